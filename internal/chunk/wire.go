package chunk

// RefKind discriminates a package-relative object reference.
type RefKind uint8

const (
	// RefNull is an absent reference.
	RefNull RefKind = iota
	// RefExport indexes the owning package's export map.
	RefExport
	// RefImport indexes the owning package's import map.
	RefImport
)

// ObjectRef is a package-relative reference to an export, an import, or
// nothing.
type ObjectRef struct {
	Kind  RefKind `msgpack:"k"`
	Index int32   `msgpack:"i"`
}

// ImportEntry is one slot of a package's import map, carrying enough to
// resolve the import at runtime without consulting the global tables.
type ImportEntry struct {
	GlobalIndex int32  `msgpack:"g"`
	FullPath    string `msgpack:"p"`
	IsScript    bool   `msgpack:"s"`
	IsPackage   bool   `msgpack:"r"`
	// SourcePackage and SourceExport locate the export this import resolves
	// to; zero/-1 when unresolved.
	SourcePackage uint64 `msgpack:"sp"`
	SourceExport  int32  `msgpack:"se"`
}

// ExportEntry is one slot of a package's export map.
type ExportEntry struct {
	NameIndex         int32     `msgpack:"n"`
	Outer             ObjectRef `msgpack:"o"`
	Class             ObjectRef `msgpack:"c"`
	Super             ObjectRef `msgpack:"u"`
	Template          ObjectRef `msgpack:"t"`
	GlobalImportIndex int32     `msgpack:"g"`
}

// BundleHeader describes one export bundle of a package.
type BundleHeader struct {
	FirstEntryIndex uint32 `msgpack:"f"`
	EntryCount      uint32 `msgpack:"c"`
	LoadOrder       uint32 `msgpack:"l"`
}

// BundleEntry is one load command of an export bundle.
type BundleEntry struct {
	LocalExportIndex int32 `msgpack:"e"`
	// Phase is 0 for create, 1 for serialize.
	Phase uint8 `msgpack:"p"`
}

// InternalArc orders two bundles within the owning package.
type InternalArc struct {
	FromBundle int32 `msgpack:"f"`
	ToBundle   int32 `msgpack:"t"`
}

// ExternalArc orders a node of another package before a node of the owning
// package. Node indices follow the runtime event node layout; coarse
// whole-package arcs use the package-level node indices.
type ExternalArc struct {
	FromPackage   uint64 `msgpack:"p"`
	FromNodeIndex int32  `msgpack:"f"`
	ToNodeIndex   int32  `msgpack:"t"`
}

// ScriptArc orders a bootstrap script object before a node of the owning
// package.
type ScriptArc struct {
	GlobalImportIndex int32 `msgpack:"g"`
	ToNodeIndex       int32 `msgpack:"t"`
}

// GraphData is the serialized arc set of one package.
type GraphData struct {
	InternalArcs []InternalArc `msgpack:"i"`
	ExternalArcs []ExternalArc `msgpack:"e"`
	ScriptArcs   []ScriptArc   `msgpack:"s"`
}

// PackageSummary is the per-package header chunk.
type PackageSummary struct {
	ID            uint64         `msgpack:"id"`
	Name          string         `msgpack:"nm"`
	NameMap       []string       `msgpack:"nmap"`
	Imports       []ImportEntry  `msgpack:"im"`
	Exports       []ExportEntry  `msgpack:"ex"`
	Bundles       []BundleHeader `msgpack:"bh"`
	BundleEntries []BundleEntry  `msgpack:"be"`
	Graph         GraphData      `msgpack:"gr"`
	// Circular is set for members of an import cycle; ChainID is the
	// canonical hash of the chain the package was first discovered through.
	Circular bool           `msgpack:"ci"`
	ChainID  uint64         `msgpack:"ch"`
	Metadata map[string]any `msgpack:"md,omitempty"`
}

// ExportBundleData is the per-package export payload chunk; one payload blob
// per local export index, consumed by the serialize phase.
type ExportBundleData struct {
	Payloads [][]byte `msgpack:"p"`
}

// ExportPayload is the synthesized payload blob of one export.
type ExportPayload struct {
	FullPath string `msgpack:"p"`
	Class    string `msgpack:"c"`
}

// StoreEntry is one TOC record of the GlobalPackageData chunk.
type StoreEntry struct {
	ID                uint64   `msgpack:"id"`
	Name              string   `msgpack:"nm"`
	ExportCount       int32    `msgpack:"ec"`
	BundleCount       int32    `msgpack:"bc"`
	ImportedPackages  []uint64 `msgpack:"ip"`
	ExportBundlesSize uint64   `msgpack:"sz"`
	// LoadOrder is the global load order of the package's first bundle,
	// used as the IO admission priority.
	LoadOrder uint32 `msgpack:"lo"`
}

// PackageStoreData is the GlobalPackageData chunk.
type PackageStoreData struct {
	Entries []StoreEntry `msgpack:"e"`
}

// GlobalNames is the global name table chunk. Hashes[i] is the xxhash of
// Names[i].
type GlobalNames struct {
	Names  []string `msgpack:"n"`
	Hashes []uint64 `msgpack:"h"`
}

// GlobalImportEntry is one flattened global import record.
type GlobalImportEntry struct {
	FullPath       string `msgpack:"p"`
	OuterIndex     int32  `msgpack:"o"`
	OutermostIndex int32  `msgpack:"r"`
	IsScript       bool   `msgpack:"s"`
	IsPackage      bool   `msgpack:"k"`
	RefCount       int32  `msgpack:"c"`
}

// GlobalImportNames is the GlobalImportNames chunk.
type GlobalImportNames struct {
	Imports []GlobalImportEntry `msgpack:"i"`
}

// ScriptObjectEntry is one bootstrap script object of the InitialLoadMeta
// chunk.
type ScriptObjectEntry struct {
	FullPath          string `msgpack:"p"`
	GlobalImportIndex int32  `msgpack:"g"`
	OuterIndex        int32  `msgpack:"o"`
}

// InitialLoadMeta is the bootstrap chunk processed once before any package
// load starts.
type InitialLoadMeta struct {
	ScriptObjects []ScriptObjectEntry `msgpack:"s"`
}

// InstallManifest describes one build's containers.
type InstallManifest struct {
	BuildID      string   `msgpack:"b"`
	Containers   []string `msgpack:"c"`
	PackageCount int32    `msgpack:"n"`
}
