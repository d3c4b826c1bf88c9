package buildgraph

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
)

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func simpleExport(name string) *descriptor.Export {
	return &descriptor.Export{Name: name}
}

func TestAddPackage(t *testing.T) {
	b := NewBuilder()

	pkg := b.AddPackage(&descriptor.Package{Name: "/Game/A", Exports: []*descriptor.Export{simpleExport("A")}})
	require.NotNil(t, pkg)
	assert.Equal(t, int32(0), pkg.GlobalID)
	assert.Equal(t, PackageIDFromName("/Game/A"), pkg.ID)

	// Adding the same name again returns the existing package.
	again := b.AddPackage(&descriptor.Package{Name: "/Game/A"})
	assert.Same(t, pkg, again)
	assert.Len(t, b.Packages(), 1)

	other := b.AddPackage(&descriptor.Package{Name: "/Game/B"})
	assert.Equal(t, int32(1), other.GlobalID)
}

func TestResolve_SimpleImport(t *testing.T) {
	b := NewBuilder()
	bPkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/B",
		Exports: []*descriptor.Export{simpleExport("BObj")},
	})
	aPkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/A",
		Imports: []string{"/Game/B/BObj"},
		Exports: []*descriptor.Export{{
			Name:                  "AObj",
			SerializeBeforeCreate: []string{"/Game/B/BObj"},
		}},
	})

	require.NoError(t, b.Resolve(testContext()))

	// One Create and one Serialize node per export.
	for _, pkg := range b.Packages() {
		require.Len(t, pkg.CreateNodes, pkg.ExportCount())
		require.Len(t, pkg.SerializeNodes, pkg.ExportCount())
	}

	// Imports before importers.
	sorted := b.SortedPackages()
	require.Len(t, sorted, 2)
	assert.Same(t, bPkg, sorted[0])
	assert.Same(t, aPkg, sorted[1])

	// The flattened import table holds the package root and the leaf object
	// in one contiguous block, root first.
	rootIdx := b.FirstImportOfPackage("/Game/B")
	require.NotEqual(t, NullIndex, rootIdx)
	root := b.GlobalImports()[rootIdx]
	assert.True(t, root.IsPackage)
	assert.Same(t, bPkg, root.Package)

	leaf := b.GlobalImports()[rootIdx+1]
	assert.Equal(t, "/Game/B/BObj", leaf.FullPath)
	assert.Equal(t, rootIdx, leaf.OuterIndex)
	assert.False(t, leaf.IsPackage)
	require.NotEqual(t, NullIndex, leaf.GlobalExport)
	assert.Equal(t, "/Game/B/BObj", b.GlobalExports()[leaf.GlobalExport].FullPath)

	// The resolved export is marked as externally imported.
	assert.Equal(t, leaf.GlobalIndex, b.GlobalExports()[leaf.GlobalExport].GlobalImportIndex)

	// Imported package list and the external arc from the dependency list.
	require.Len(t, aPkg.ImportedPackages, 1)
	assert.Same(t, bPkg, aPkg.ImportedPackages[0])
	require.Len(t, aPkg.CreateNodes[0].ExternalDeps, 1)
	assert.Same(t, bPkg.SerializeNodes[0], aPkg.CreateNodes[0].ExternalDeps[0])

	assert.False(t, aPkg.IsCircular())
	assert.False(t, bPkg.IsCircular())
	assert.Empty(t, b.Chains())
}

func TestResolve_ScriptImportsSortFirst(t *testing.T) {
	b := NewBuilder()
	b.AddPackage(&descriptor.Package{
		Name:    "/Game/B",
		Exports: []*descriptor.Export{simpleExport("BObj")},
	})
	pkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/A",
		Imports: []string{"/Game/B/BObj", "/Script/Engine/StaticMesh"},
		Exports: []*descriptor.Export{{
			Name:               "AObj",
			Class:              "/Script/Engine/StaticMesh",
			CreateBeforeCreate: []string{"/Script/Engine/StaticMesh"},
		}},
	})

	require.NoError(t, b.Resolve(testContext()))

	imports := b.GlobalImports()
	require.GreaterOrEqual(t, len(imports), 4)

	// Script records form a prefix of the table.
	lastScript := -1
	firstNonScript := len(imports)
	for i, rec := range imports {
		if rec.IsScript {
			lastScript = i
		} else if i < firstNonScript {
			firstNonScript = i
		}
	}
	assert.Less(t, lastScript, firstNonScript)

	// Script root is the module, packages sort before their objects.
	scriptRoot := b.FirstImportOfPackage("/Script/Engine")
	require.NotEqual(t, NullIndex, scriptRoot)
	assert.True(t, imports[scriptRoot].IsPackage)
	assert.Equal(t, "/Script/Engine/StaticMesh", imports[scriptRoot+1].FullPath)

	// The dependency on a script object becomes a script arc, not an
	// external one.
	require.Len(t, pkg.CreateNodes[0].ScriptDeps, 1)
	assert.Empty(t, pkg.CreateNodes[0].ExternalDeps)
	assert.Equal(t, imports[pkg.CreateNodes[0].ScriptDeps[0]].FullPath, "/Script/Engine/StaticMesh")
}

func TestResolve_MissingImportDegrades(t *testing.T) {
	b := NewBuilder()
	pkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/A",
		Imports: []string{"/Game/Absent/Thing"},
		Exports: []*descriptor.Export{{
			Name:                  "AObj",
			SerializeBeforeCreate: []string{"/Game/Absent/Thing"},
		}},
	})

	require.NoError(t, b.Resolve(testContext()))

	// The arc is dropped instead of failing the build.
	assert.Empty(t, pkg.CreateNodes[0].ExternalDeps)
	assert.Empty(t, pkg.ImportedPackages)

	leaf := b.GlobalImports()[len(b.GlobalImports())-1]
	assert.Equal(t, "/Game/Absent/Thing", leaf.FullPath)
	assert.Equal(t, NullIndex, leaf.GlobalExport)
}

func TestResolve_NestedExportPaths(t *testing.T) {
	b := NewBuilder()
	pkg := b.AddPackage(&descriptor.Package{
		Name: "/Game/House",
		Exports: []*descriptor.Export{
			{Name: "Door", Outer: "House"},
			{Name: "House"},
		},
	})

	require.NoError(t, b.Resolve(testContext()))

	exports := b.GlobalExports()
	byPath := make(map[string]*ExportRecord)
	for _, e := range exports {
		byPath[e.FullPath] = e
	}
	require.Contains(t, byPath, "/Game/House/House")
	require.Contains(t, byPath, "/Game/House/House/Door")
	assert.Equal(t, int32(0), byPath["/Game/House/House/Door"].LocalIndex)
	assert.Same(t, pkg, byPath["/Game/House/House"].Package)
}

func TestResolve_CircularImports(t *testing.T) {
	b := NewBuilder()
	aPkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/A",
		Imports: []string{"/Game/B/BObj"},
		Exports: []*descriptor.Export{{
			Name:                  "AObj",
			SerializeBeforeCreate: []string{"/Game/B/BObj"},
		}},
	})
	bPkg := b.AddPackage(&descriptor.Package{
		Name:    "/Game/B",
		Imports: []string{"/Game/A/AObj"},
		Exports: []*descriptor.Export{{
			Name:                  "BObj",
			SerializeBeforeCreate: []string{"/Game/A/AObj"},
		}},
	})

	require.NoError(t, b.Resolve(testContext()))

	// Both members are tagged with the same canonical chain.
	assert.True(t, aPkg.IsCircular())
	assert.True(t, bPkg.IsCircular())
	require.Len(t, b.Chains(), 1)
	chain := b.Chains()[0]
	assert.ElementsMatch(t, []string{"/Game/A", "/Game/B"}, chain.Names)
	assert.Equal(t, chain.Hash, aPkg.Cycle.ChainID)
	assert.Equal(t, chain.Hash, bPkg.Cycle.ChainID)

	// Fine arcs never cross the cycle boundary.
	for _, pkg := range []*Package{aPkg, bPkg} {
		for _, n := range append(pkg.CreateNodes, pkg.SerializeNodes...) {
			assert.Empty(t, n.ExternalDeps, "package %s", pkg.Name)
		}
	}

	// Coarse whole-package arcs take over, one per member.
	require.Len(t, aPkg.CoarseArcs, 1)
	require.Len(t, bPkg.CoarseArcs, 1)
	kinds := []CoarseArcKind{aPkg.CoarseArcs[0].Kind, bPkg.CoarseArcs[0].Kind}
	assert.ElementsMatch(t, []CoarseArcKind{CoarsePostLoad, CoarseExportsDone}, kinds)
	assert.Same(t, bPkg, aPkg.CoarseArcs[0].From)
	assert.Same(t, aPkg, bPkg.CoarseArcs[0].From)
}

func TestResolve_CycleDedupAcrossDiscoveryPaths(t *testing.T) {
	b := NewBuilder()
	b.AddPackage(&descriptor.Package{
		Name:    "/Game/A",
		Imports: []string{"/Game/B/BObj"},
		Exports: []*descriptor.Export{simpleExport("AObj")},
	})
	b.AddPackage(&descriptor.Package{
		Name:    "/Game/B",
		Imports: []string{"/Game/A/AObj"},
		Exports: []*descriptor.Export{simpleExport("BObj")},
	})
	// C reaches the same cycle through two different imports.
	b.AddPackage(&descriptor.Package{
		Name:    "/Game/C",
		Imports: []string{"/Game/A/AObj", "/Game/B/BObj"},
		Exports: []*descriptor.Export{simpleExport("CObj")},
	})

	require.NoError(t, b.Resolve(testContext()))

	require.Len(t, b.Chains(), 1, "the same cycle found through different paths must dedup to one chain")
	cPkg := b.Packages()[2]
	assert.False(t, cPkg.IsCircular(), "a package importing into a cycle is not itself circular")
}

func TestResolve_Twice(t *testing.T) {
	b := NewBuilder()
	b.AddPackage(&descriptor.Package{Name: "/Game/A", Exports: []*descriptor.Export{simpleExport("A")}})
	require.NoError(t, b.Resolve(testContext()))
	assert.Error(t, b.Resolve(testContext()))
}
