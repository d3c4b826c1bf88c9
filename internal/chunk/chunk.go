package chunk

import "fmt"

// Type discriminates the chunk kinds stored in a container.
type Type uint8

const (
	// TypeSummary is the per-package header: name map, import map, export
	// map, bundle table and graph data.
	TypeSummary Type = iota + 1
	// TypeExportBundleData is the per-package export payload data.
	TypeExportBundleData
	// TypeGlobalNames is the global name table with hashes.
	TypeGlobalNames
	// TypeGlobalImportNames is the flattened global import table.
	TypeGlobalImportNames
	// TypeGlobalPackageData is the package store TOC.
	TypeGlobalPackageData
	// TypeInitialLoadMeta is the bootstrap script object table.
	TypeInitialLoadMeta
	// TypeInstallManifest describes the containers of one build.
	TypeInstallManifest
)

func (t Type) String() string {
	switch t {
	case TypeSummary:
		return "Summary"
	case TypeExportBundleData:
		return "ExportBundleData"
	case TypeGlobalNames:
		return "GlobalNames"
	case TypeGlobalImportNames:
		return "GlobalImportNames"
	case TypeGlobalPackageData:
		return "GlobalPackageData"
	case TypeInitialLoadMeta:
		return "InitialLoadMeta"
	case TypeInstallManifest:
		return "InstallManifest"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ID addresses one chunk: a (package id, chunk type) pair. Global chunks use
// a zero package id.
type ID struct {
	Package uint64
	Type    Type
}

// GlobalID addresses a global (package-independent) chunk.
func GlobalID(t Type) ID {
	return ID{Type: t}
}

func (id ID) String() string {
	if id.Package == 0 {
		return id.Type.String()
	}
	return fmt.Sprintf("%s/%016x", id.Type, id.Package)
}

// Runtime event node index layout. Package-level phase nodes come first,
// followed by three nodes per export bundle. Serialized arcs address nodes
// through these indices.
const (
	PackageNodeProcessSummary    int32 = 0
	PackageNodeExportsSerialized int32 = 1
	PackageNodePostLoad          int32 = 2
	PackageNodeCount             int32 = 3

	BundleNodeProcess          int32 = 0
	BundleNodePostLoad         int32 = 1
	BundleNodeDeferredPostLoad int32 = 2
	BundleNodeCount            int32 = 3
)

// BundleNodeIndex returns the node index of (bundle, bundle phase).
func BundleNodeIndex(bundleIndex, phase int32) int32 {
	return PackageNodeCount + bundleIndex*BundleNodeCount + phase
}

// TotalNodeCount returns the node array size for a package with the given
// number of bundles.
func TotalNodeCount(bundleCount int32) int32 {
	return PackageNodeCount + bundleCount*BundleNodeCount
}
