package chunk

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/packstream/internal/buildgraph"
	"github.com/vk/packstream/internal/bundle"
	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
)

// Blob is one encoded chunk ready to be added to a container.
type Blob struct {
	ID   ID
	Data []byte
}

// BuildChunks encodes the resolved build graph and bundle assembly into the
// full chunk set of one container: a summary and an export bundle data chunk
// per package, followed by the global name, import, package store and
// bootstrap chunks. Packages are emitted in topological order so the chunk
// sequence is deterministic for identical inputs.
func BuildChunks(ctx context.Context, b *buildgraph.Builder, asm *bundle.Assembly) ([]Blob, error) {
	logger := ctxlog.FromContext(ctx)

	var blobs []Blob
	var entries []StoreEntry

	for _, pkg := range b.SortedPackages() {
		pa := asm.Packages[pkg]
		if pa == nil {
			pa = &bundle.PackageAssembly{}
		}

		summary, err := buildSummary(b, pkg, pa)
		if err != nil {
			return nil, err
		}
		summaryData, err := msgpack.Marshal(summary)
		if err != nil {
			return nil, fmt.Errorf("encoding summary of %q: %w", pkg.Name, err)
		}

		bundleData, err := buildExportBundleData(b, pkg)
		if err != nil {
			return nil, err
		}
		payloadData, err := msgpack.Marshal(bundleData)
		if err != nil {
			return nil, fmt.Errorf("encoding export data of %q: %w", pkg.Name, err)
		}

		blobs = append(blobs,
			Blob{ID: ID{Package: uint64(pkg.ID), Type: TypeSummary}, Data: summaryData},
			Blob{ID: ID{Package: uint64(pkg.ID), Type: TypeExportBundleData}, Data: payloadData},
		)

		imported := make([]uint64, len(pkg.ImportedPackages))
		for i, dep := range pkg.ImportedPackages {
			imported[i] = uint64(dep.ID)
		}
		loadOrder := uint32(0)
		if len(pa.Bundles) > 0 {
			loadOrder = pa.Bundles[0].LoadOrder
		}
		entries = append(entries, StoreEntry{
			ID:                uint64(pkg.ID),
			Name:              pkg.Name,
			ExportCount:       int32(pkg.ExportCount()),
			BundleCount:       int32(len(pa.Bundles)),
			ImportedPackages:  imported,
			ExportBundlesSize: uint64(len(payloadData)),
			LoadOrder:         loadOrder,
		})
	}

	globals, err := buildGlobalChunks(b, entries)
	if err != nil {
		return nil, err
	}
	blobs = append(blobs, globals...)

	logger.Debug("Chunk serialization complete.", "chunks", len(blobs), "packages", len(entries))
	return blobs, nil
}

func buildSummary(b *buildgraph.Builder, pkg *buildgraph.Package, pa *bundle.PackageAssembly) (*PackageSummary, error) {
	desc := pkg.Desc
	exports := b.GlobalExports()
	imports := b.GlobalImports()

	importLocal := make(map[string]int32, len(desc.Imports))
	for i, path := range desc.Imports {
		importLocal[path] = int32(i)
	}
	exportLocal := make(map[string]int32, len(desc.Exports))
	for i, e := range desc.Exports {
		exportLocal[e.Name] = int32(i)
	}

	s := &PackageSummary{
		ID:       uint64(pkg.ID),
		Name:     pkg.Name,
		Circular: pkg.IsCircular(),
		ChainID:  pkg.Cycle.ChainID,
		Metadata: desc.Metadata,
	}

	nameIndex := make(map[string]int32)
	intern := func(name string) int32 {
		if idx, ok := nameIndex[name]; ok {
			return idx
		}
		idx := int32(len(s.NameMap))
		nameIndex[name] = idx
		s.NameMap = append(s.NameMap, name)
		return idx
	}

	for localIdx, globalIdx := range pkg.ImportGlobals {
		rec := imports[globalIdx]
		entry := ImportEntry{
			GlobalIndex:  globalIdx,
			FullPath:     desc.Imports[localIdx],
			IsScript:     rec.IsScript,
			IsPackage:    rec.IsPackage,
			SourceExport: buildgraph.NullIndex,
		}
		if rec.Package != nil {
			entry.SourcePackage = uint64(rec.Package.ID)
		}
		if rec.GlobalExport != buildgraph.NullIndex {
			entry.SourceExport = exports[rec.GlobalExport].LocalIndex
		}
		s.Imports = append(s.Imports, entry)
	}

	resolveRef := func(ref string) ObjectRef {
		if ref == "" {
			return ObjectRef{Kind: RefNull, Index: buildgraph.NullIndex}
		}
		if descriptor.IsImportRef(ref) {
			if idx, ok := importLocal[ref]; ok {
				return ObjectRef{Kind: RefImport, Index: idx}
			}
			return ObjectRef{Kind: RefNull, Index: buildgraph.NullIndex}
		}
		if idx, ok := exportLocal[ref]; ok {
			return ObjectRef{Kind: RefExport, Index: idx}
		}
		return ObjectRef{Kind: RefNull, Index: buildgraph.NullIndex}
	}

	for i, e := range desc.Exports {
		rec := exports[pkg.ExportGlobals[i]]
		s.Exports = append(s.Exports, ExportEntry{
			NameIndex:         intern(e.Name),
			Outer:             resolveRef(e.Outer),
			Class:             resolveRef(e.Class),
			Super:             resolveRef(e.Super),
			Template:          resolveRef(e.Template),
			GlobalImportIndex: rec.GlobalImportIndex,
		})
	}

	for _, bdl := range pa.Bundles {
		s.Bundles = append(s.Bundles, BundleHeader{
			FirstEntryIndex: uint32(len(s.BundleEntries)),
			EntryCount:      uint32(len(bdl.Nodes)),
			LoadOrder:       bdl.LoadOrder,
		})
		for _, node := range bdl.Nodes {
			phase := uint8(0)
			if node.Phase == descriptor.PhaseSerialize {
				phase = 1
			}
			s.BundleEntries = append(s.BundleEntries, BundleEntry{
				LocalExportIndex: node.LocalIndex,
				Phase:            phase,
			})
		}
	}

	for _, arc := range pa.InternalArcs {
		s.Graph.InternalArcs = append(s.Graph.InternalArcs, InternalArc(arc))
	}
	for _, arc := range pa.ExternalArcs {
		s.Graph.ExternalArcs = append(s.Graph.ExternalArcs, ExternalArc{
			FromPackage:   uint64(arc.FromPackage.ID),
			FromNodeIndex: BundleNodeIndex(arc.FromBundle, BundleNodeProcess),
			ToNodeIndex:   BundleNodeIndex(arc.ToBundle, BundleNodeProcess),
		})
	}
	for _, arc := range pkg.CoarseArcs {
		ser := ExternalArc{FromPackage: uint64(arc.From.ID)}
		switch arc.Kind {
		case buildgraph.CoarsePostLoad:
			ser.FromNodeIndex = PackageNodePostLoad
			ser.ToNodeIndex = PackageNodePostLoad
		case buildgraph.CoarseExportsDone:
			ser.FromNodeIndex = PackageNodeExportsSerialized
			ser.ToNodeIndex = PackageNodePostLoad
		default:
			return nil, fmt.Errorf("package %q: unknown coarse arc kind %d", pkg.Name, arc.Kind)
		}
		s.Graph.ExternalArcs = append(s.Graph.ExternalArcs, ser)
	}
	for _, arc := range pa.ScriptArcs {
		s.Graph.ScriptArcs = append(s.Graph.ScriptArcs, ScriptArc{
			GlobalImportIndex: arc.GlobalImportIndex,
			ToNodeIndex:       BundleNodeIndex(arc.ToBundle, BundleNodeProcess),
		})
	}

	return s, nil
}

// buildExportBundleData synthesizes the serialize-phase payload of every
// export: its full path and class reference.
func buildExportBundleData(b *buildgraph.Builder, pkg *buildgraph.Package) (*ExportBundleData, error) {
	exports := b.GlobalExports()
	data := &ExportBundleData{Payloads: make([][]byte, pkg.ExportCount())}
	for i := range pkg.Desc.Exports {
		rec := exports[pkg.ExportGlobals[i]]
		payload, err := msgpack.Marshal(&ExportPayload{
			FullPath: rec.FullPath,
			Class:    rec.Class,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding payload of %q: %w", rec.FullPath, err)
		}
		data.Payloads[i] = payload
	}
	return data, nil
}

func buildGlobalChunks(b *buildgraph.Builder, entries []StoreEntry) ([]Blob, error) {
	names := &GlobalNames{}
	seen := make(map[string]struct{})
	addName := func(n string) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names.Names = append(names.Names, n)
	}
	for _, pkg := range b.Packages() {
		addName(pkg.Name)
	}
	for _, rec := range b.GlobalExports() {
		addName(rec.Name)
	}
	for _, rec := range b.GlobalImports() {
		addName(rec.Name)
	}
	sort.Strings(names.Names)
	names.Hashes = make([]uint64, len(names.Names))
	for i, n := range names.Names {
		names.Hashes[i] = xxhash.Sum64String(n)
	}

	importTable := &GlobalImportNames{}
	meta := &InitialLoadMeta{}
	for _, rec := range b.GlobalImports() {
		importTable.Imports = append(importTable.Imports, GlobalImportEntry{
			FullPath:       rec.FullPath,
			OuterIndex:     rec.OuterIndex,
			OutermostIndex: rec.OutermostIndex,
			IsScript:       rec.IsScript,
			IsPackage:      rec.IsPackage,
			RefCount:       int32(rec.RefCount),
		})
		if rec.IsScript {
			meta.ScriptObjects = append(meta.ScriptObjects, ScriptObjectEntry{
				FullPath:          rec.FullPath,
				GlobalImportIndex: rec.GlobalIndex,
				OuterIndex:        rec.OuterIndex,
			})
		}
	}

	store := &PackageStoreData{Entries: entries}

	var blobs []Blob
	for _, g := range []struct {
		t Type
		v any
	}{
		{TypeGlobalNames, names},
		{TypeGlobalImportNames, importTable},
		{TypeGlobalPackageData, store},
		{TypeInitialLoadMeta, meta},
	} {
		data, err := msgpack.Marshal(g.v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s chunk: %w", g.t, err)
		}
		blobs = append(blobs, Blob{ID: GlobalID(g.t), Data: data})
	}
	return blobs, nil
}

// EncodeManifest builds the install manifest chunk blob.
func EncodeManifest(buildID string, containers []string, packageCount int) (Blob, error) {
	data, err := msgpack.Marshal(&InstallManifest{
		BuildID:      buildID,
		Containers:   containers,
		PackageCount: int32(packageCount),
	})
	if err != nil {
		return Blob{}, fmt.Errorf("encoding install manifest: %w", err)
	}
	return Blob{ID: GlobalID(TypeInstallManifest), Data: data}, nil
}

// DecodePackageSummary decodes a TypeSummary chunk payload.
func DecodePackageSummary(data []byte) (*PackageSummary, error) {
	var s PackageSummary
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding package summary: %w", err)
	}
	return &s, nil
}

// DecodeExportBundleData decodes a TypeExportBundleData chunk payload.
func DecodeExportBundleData(data []byte) (*ExportBundleData, error) {
	var d ExportBundleData
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding export bundle data: %w", err)
	}
	return &d, nil
}

// DecodeExportPayload decodes one export payload blob.
func DecodeExportPayload(data []byte) (*ExportPayload, error) {
	var p ExportPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding export payload: %w", err)
	}
	return &p, nil
}

// DecodePackageStoreData decodes a TypeGlobalPackageData chunk payload.
func DecodePackageStoreData(data []byte) (*PackageStoreData, error) {
	var d PackageStoreData
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding package store data: %w", err)
	}
	return &d, nil
}

// DecodeGlobalNames decodes a TypeGlobalNames chunk payload.
func DecodeGlobalNames(data []byte) (*GlobalNames, error) {
	var g GlobalNames
	if err := msgpack.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding global names: %w", err)
	}
	return &g, nil
}

// DecodeGlobalImportNames decodes a TypeGlobalImportNames chunk payload.
func DecodeGlobalImportNames(data []byte) (*GlobalImportNames, error) {
	var g GlobalImportNames
	if err := msgpack.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding global import names: %w", err)
	}
	return &g, nil
}

// DecodeInitialLoadMeta decodes a TypeInitialLoadMeta chunk payload.
func DecodeInitialLoadMeta(data []byte) (*InitialLoadMeta, error) {
	var m InitialLoadMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding initial load meta: %w", err)
	}
	return &m, nil
}

// DecodeInstallManifest decodes a TypeInstallManifest chunk payload.
func DecodeInstallManifest(data []byte) (*InstallManifest, error) {
	var m InstallManifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding install manifest: %w", err)
	}
	return &m, nil
}
