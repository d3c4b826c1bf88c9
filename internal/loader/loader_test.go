package loader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/packstream/internal/buildgraph"
	"github.com/vk/packstream/internal/bundle"
	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/descriptor"
	"github.com/vk/packstream/internal/iodispatch"
	"github.com/vk/packstream/internal/packstore"
)

// harness runs the offline pipeline on descriptor fixtures, writes a real
// container file, and mounts it into a live loader.
type harness struct {
	loader     *Loader
	store      *packstore.Store
	imports    *packstore.ImportStore
	dispatcher *iodispatch.FileDispatcher
}

// newHarness builds and mounts the given packages. Chunk ids in omit are left
// out of the container to provoke read failures.
func newHarness(t *testing.T, omit map[chunk.ID]bool, packages ...*descriptor.Package) *harness {
	t.Helper()
	ctx := testContext()

	b := buildgraph.NewBuilder()
	for _, p := range packages {
		b.AddPackage(p)
	}
	require.NoError(t, b.Resolve(ctx))
	order, err := bundle.ComputeLoadOrder(ctx, b)
	require.NoError(t, err)
	asm := bundle.BuildBundles(ctx, order)
	blobs, err := chunk.BuildChunks(ctx, b, asm)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pakchunk0.pscontainer")
	w, err := chunk.NewContainerWriter(path, "test-build", 0)
	require.NoError(t, err)
	byID := make(map[chunk.ID][]byte)
	for _, blob := range blobs {
		byID[blob.ID] = blob.Data
		if omit[blob.ID] {
			continue
		}
		w.Add(blob.ID, blob.Data)
	}
	require.NoError(t, w.Close())

	c, err := chunk.OpenContainer(path)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	d := iodispatch.NewFileDispatcher(ctx)
	t.Cleanup(d.Close)
	d.Mount(c)

	storeData, err := chunk.DecodePackageStoreData(byID[chunk.GlobalID(chunk.TypeGlobalPackageData)])
	require.NoError(t, err)
	store := packstore.NewStore()
	store.Mount(ctx, storeData, c.MountOrder())

	meta, err := chunk.DecodeInitialLoadMeta(byID[chunk.GlobalID(chunk.TypeInitialLoadMeta)])
	require.NoError(t, err)
	imports := packstore.NewImportStore(meta)

	l := New(ctx, Env{Store: store, Imports: imports, Dispatcher: d}, Options{})
	t.Cleanup(l.Close)

	return &harness{loader: l, store: store, imports: imports, dispatcher: d}
}

type completion struct {
	name   string
	id     RequestID
	result Result
	count  int
}

// record returns a callback writing into c. Callbacks run on the flushing
// goroutine, so no locking is needed.
func (c *completion) record() CompletionFunc {
	return func(name string, id RequestID, result Result) {
		c.name = name
		c.id = id
		c.result = result
		c.count++
	}
}

func flushContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func singlePackage() *descriptor.Package {
	return &descriptor.Package{
		Name: "/Game/Solo",
		Exports: []*descriptor.Export{
			{Name: "First"},
			{Name: "Second", SerializeBeforeCreate: []string{"First"}},
		},
	}
}

func TestLoadPackage_SinglePackageSucceeds(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var done completion
	id := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), id))

	assert.Equal(t, 1, done.count, "callback fires exactly once")
	assert.Equal(t, "/Game/Solo", done.name)
	assert.Equal(t, id, done.id)
	assert.Equal(t, Succeeded, done.result)

	pkgID := uint64(buildgraph.PackageIDFromName("/Game/Solo"))
	for local := int32(0); local < 2; local++ {
		obj, ok := h.imports.FindPublicExport(pkgID, local)
		require.True(t, ok, "export %d must be published", local)
		assert.True(t, obj.Created)
		assert.True(t, obj.Serialized)
		assert.True(t, obj.PostLoaded)
	}
	ref := h.imports.PackageRef(pkgID)
	require.NotNil(t, ref)
	assert.Equal(t, packstore.RefLoaded, ref.State())
	assert.Equal(t, 0, ref.RefCount())
	assert.False(t, h.loader.IsLoading())
}

func TestLoadPackage_UnknownPackageFails(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var done completion
	id := h.loader.LoadPackage("/Game/DoesNotExist", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), id))

	assert.Equal(t, 1, done.count)
	assert.Equal(t, Failed, done.result)
}

func TestLoadPackage_ImportChainLoadsDependency(t *testing.T) {
	h := newHarness(t, nil,
		&descriptor.Package{
			Name:    "/Game/Dep",
			Exports: []*descriptor.Export{{Name: "DepObj"}},
		},
		&descriptor.Package{
			Name:    "/Game/Top",
			Imports: []string{"/Game/Dep/DepObj"},
			Exports: []*descriptor.Export{{
				Name:                  "TopObj",
				SerializeBeforeCreate: []string{"/Game/Dep/DepObj"},
			}},
		},
	)

	var done completion
	id := h.loader.LoadPackage("/Game/Top", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, 1, done.count)
	assert.Equal(t, id, done.id)
	assert.Equal(t, Succeeded, done.result)

	// The dependency was loaded implicitly and its exports published.
	depID := uint64(buildgraph.PackageIDFromName("/Game/Dep"))
	obj, ok := h.imports.FindPublicExport(depID, 0)
	require.True(t, ok)
	assert.True(t, obj.PostLoaded)
	ref := h.imports.PackageRef(depID)
	require.NotNil(t, ref)
	assert.Equal(t, packstore.RefLoaded, ref.State())
	assert.Equal(t, 0, ref.RefCount(), "the importer's ref is released on completion")
}

func TestLoadPackage_DuplicateRequestsShareOneLoad(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var first, second completion
	id1 := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", first.record(), LoadFlagNone, 0)
	id2 := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", second.record(), LoadFlagNone, 0)
	require.NotEqual(t, id1, id2)

	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, 1, first.count)
	assert.Equal(t, 1, second.count)
	assert.Equal(t, Succeeded, first.result)
	assert.Equal(t, Succeeded, second.result)
	assert.Equal(t, id1, first.id)
	assert.Equal(t, id2, second.id)
}

func TestLoadPackage_CircularImportsComplete(t *testing.T) {
	h := newHarness(t, nil,
		&descriptor.Package{
			Name:    "/Game/A",
			Imports: []string{"/Game/B/BObj"},
			Exports: []*descriptor.Export{{
				Name:                  "AObj",
				SerializeBeforeCreate: []string{"/Game/B/BObj"},
			}},
		},
		&descriptor.Package{
			Name:    "/Game/B",
			Imports: []string{"/Game/A/AObj"},
			Exports: []*descriptor.Export{{
				Name:                  "BObj",
				SerializeBeforeCreate: []string{"/Game/A/AObj"},
			}},
		},
	)

	var done completion
	h.loader.LoadPackage("/Game/A", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, Succeeded, done.result, "coarse arcs must not deadlock a cycle")
	for _, name := range []string{"/Game/A", "/Game/B"} {
		pkgID := uint64(buildgraph.PackageIDFromName(name))
		obj, ok := h.imports.FindPublicExport(pkgID, 0)
		require.True(t, ok, "package %s", name)
		assert.True(t, obj.PostLoaded)
	}
}

func TestLoadPackage_FailedBundleReadDegrades(t *testing.T) {
	brokenID := uint64(buildgraph.PackageIDFromName("/Game/Broken"))
	h := newHarness(t,
		map[chunk.ID]bool{
			{Package: brokenID, Type: chunk.TypeExportBundleData}: true,
		},
		&descriptor.Package{
			Name:    "/Game/Broken",
			Exports: []*descriptor.Export{{Name: "BrokenObj"}},
		},
		&descriptor.Package{
			Name:    "/Game/User",
			Imports: []string{"/Game/Broken/BrokenObj"},
			Exports: []*descriptor.Export{{
				Name:                  "UserObj",
				SerializeBeforeCreate: []string{"/Game/Broken/BrokenObj"},
			}},
		},
	)

	var broken, user completion
	h.loader.LoadPackage("/Game/Broken", uuid.Nil, "", broken.record(), LoadFlagNone, 0)
	h.loader.LoadPackage("/Game/User", uuid.Nil, "", user.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, Failed, broken.result)
	assert.Equal(t, Succeeded, user.result, "a failed dependency drains, it does not wedge importers")

	ref := h.imports.PackageRef(brokenID)
	if ref != nil {
		assert.Equal(t, packstore.RefFailed, ref.State())
	}
	_, ok := h.imports.FindPublicExport(brokenID, 0)
	assert.False(t, ok, "failed packages publish no exports")
}

func TestLoadPackage_BundleCountMismatchFailsSafely(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	// The catalog now promises more bundles than the summary's table holds,
	// so the allocated node layout disagrees with the decoded chunk.
	pkgID := uint64(buildgraph.PackageIDFromName("/Game/Solo"))
	entry, ok := h.store.FindEntry(pkgID)
	require.True(t, ok)
	entry.BundleCount++

	var done completion
	id := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), id))

	assert.Equal(t, 1, done.count)
	assert.Equal(t, Failed, done.result, "a malformed summary degrades, it must not crash a worker")
	_, published := h.imports.FindPublicExport(pkgID, 0)
	assert.False(t, published)
	assert.False(t, h.loader.IsLoading())
}

func TestValidateSummary(t *testing.T) {
	entry := &packstore.Entry{BundleCount: 1}
	valid := func() *chunk.PackageSummary {
		return &chunk.PackageSummary{
			Exports: []chunk.ExportEntry{{}},
			Bundles: []chunk.BundleHeader{{FirstEntryIndex: 0, EntryCount: 2}},
			BundleEntries: []chunk.BundleEntry{
				{LocalExportIndex: 0, Phase: 0},
				{LocalExportIndex: 0, Phase: 1},
			},
		}
	}
	require.NoError(t, validateSummary(entry, valid()))

	t.Run("bundle count mismatch", func(t *testing.T) {
		s := valid()
		s.Bundles = nil
		assert.Error(t, validateSummary(entry, s))
	})
	t.Run("entry range past table", func(t *testing.T) {
		s := valid()
		s.Bundles[0].EntryCount = 3
		assert.Error(t, validateSummary(entry, s))
	})
	t.Run("export index out of range", func(t *testing.T) {
		s := valid()
		s.BundleEntries[1].LocalExportIndex = 7
		assert.Error(t, validateSummary(entry, s))
	})
}

func TestLoadPackage_LoadFromReadsAliasedSource(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var done completion
	id := h.loader.LoadPackage("/Game/SoloInstance", uuid.Nil, "/Game/Solo", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), id))

	assert.Equal(t, 1, done.count)
	assert.Equal(t, "/Game/SoloInstance", done.name, "completion reports the requested name")
	assert.Equal(t, Succeeded, done.result)

	// Exports publish under the requested package id, not the source's.
	instID := uint64(buildgraph.PackageIDFromName("/Game/SoloInstance"))
	obj, ok := h.imports.FindPublicExport(instID, 0)
	require.True(t, ok)
	assert.True(t, obj.PostLoaded)
	ref := h.imports.PackageRef(instID)
	require.NotNil(t, ref)
	assert.Equal(t, packstore.RefLoaded, ref.State())

	srcID := uint64(buildgraph.PackageIDFromName("/Game/Solo"))
	_, ok = h.imports.FindPublicExport(srcID, 0)
	assert.False(t, ok, "the source package itself stays unloaded")
}

func TestLoadPackage_RedirectAppliesBeforeArcs(t *testing.T) {
	oldID := uint64(buildgraph.PackageIDFromName("/Game/Old"))
	newID := uint64(buildgraph.PackageIDFromName("/Game/New"))
	h := newHarness(t, nil,
		&descriptor.Package{
			Name:    "/Game/Old",
			Exports: []*descriptor.Export{{Name: "Obj"}},
		},
		&descriptor.Package{
			Name:    "/Game/New",
			Exports: []*descriptor.Export{{Name: "Obj"}},
		},
		&descriptor.Package{
			Name:    "/Game/User",
			Imports: []string{"/Game/Old/Obj"},
			Exports: []*descriptor.Export{{
				Name:                  "UserObj",
				SerializeBeforeCreate: []string{"/Game/Old/Obj"},
			}},
		},
	)
	h.store.ApplyRedirects(testContext(), map[uint64]uint64{oldID: newID})

	var done completion
	h.loader.LoadPackage("/Game/User", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, Succeeded, done.result)

	// The rewritten import list pulled in the replacement, not the original.
	_, ok := h.imports.FindPublicExport(newID, 0)
	assert.True(t, ok)
	_, ok = h.imports.FindPublicExport(oldID, 0)
	assert.False(t, ok)
	ref := h.imports.PackageRef(newID)
	require.NotNil(t, ref)
	assert.Equal(t, packstore.RefLoaded, ref.State())
	assert.Equal(t, 0, ref.RefCount(), "the importer's ref is released on completion")
}

func TestCancelAll_BeforeFirstTick(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var done completion
	h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", done.record(), LoadFlagNone, 0)
	h.loader.CancelAll()
	require.NoError(t, h.loader.Flush(flushContext(t), 0))

	assert.Equal(t, 1, done.count)
	assert.Equal(t, Canceled, done.result)
}

func TestSuspend_BlocksFlushUntilResume(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	h.loader.Suspend()
	var done completion
	id := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", done.record(), LoadFlagNone, 0)

	err := h.loader.Flush(flushContext(t), id)
	require.Error(t, err, "flushing a suspended loader cannot make progress")
	assert.Equal(t, 0, done.count)

	h.loader.Resume()
	require.NoError(t, h.loader.Flush(flushContext(t), id))
	assert.Equal(t, 1, done.count)
	assert.Equal(t, Succeeded, done.result)
}

func TestLoadPackage_HighPriorityFlag(t *testing.T) {
	h := newHarness(t, nil, singlePackage())

	var done completion
	id := h.loader.LoadPackage("/Game/Solo", uuid.Nil, "", done.record(), LoadFlagHighPriority, 0)
	require.NoError(t, h.loader.Flush(flushContext(t), id))
	assert.Equal(t, Succeeded, done.result)
}
