package buildgraph

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vk/packstream/internal/descriptor"
)

// PackageID is the stable runtime key of a package, the xxhash of its long name.
type PackageID uint64

// PackageIDFromName hashes a long package name into its runtime id.
func PackageIDFromName(name string) PackageID {
	return PackageID(xxhash.Sum64String(name))
}

// NullIndex marks an unresolved global import/export index.
const NullIndex int32 = -1

// CycleKind tags a package's position in the import graph.
type CycleKind uint8

const (
	// Acyclic marks a package with no circular import dependencies.
	Acyclic CycleKind = iota
	// PartOfCycle marks a package that is a member of at least one circular
	// import chain.
	PartOfCycle
)

// CycleState is the tagged cycle variant of a package. ChainID is the
// canonical hash of the first chain the package was discovered through and is
// only meaningful when Kind is PartOfCycle.
type CycleState struct {
	Kind    CycleKind
	ChainID uint64
}

// CoarseArcKind selects which whole-package ordering arc a cycle member uses
// in place of fine export arcs.
type CoarseArcKind uint8

const (
	// CoarsePostLoad orders the target package's postload after the source
	// package's postload.
	CoarsePostLoad CoarseArcKind = iota
	// CoarseExportsDone orders the target package's postload after the source
	// package has serialized all of its exports.
	CoarseExportsDone
)

// CoarseArc is a package-level fallback ordering edge.
type CoarseArc struct {
	From *Package
	Kind CoarseArcKind
}

// Package is the offline build record of one loadable unit.
type Package struct {
	// GlobalID is the sequential builder-assigned index.
	GlobalID int32
	// ID is the stable hash key used at runtime.
	ID   PackageID
	Name string
	Desc *descriptor.Package

	// ImportGlobals maps local import index to global import index.
	ImportGlobals []int32
	// ExportGlobals maps local export index to global export index.
	ExportGlobals []int32

	// ImportedPackages is the deduplicated list of packages this package
	// imports from, in first-sighting order.
	ImportedPackages []*Package

	// CreateNodes and SerializeNodes hold the export graph nodes per local
	// export index.
	CreateNodes    []*Node
	SerializeNodes []*Node

	// CoarseArcs are the whole-package fallback arcs targeting this package.
	CoarseArcs []CoarseArc

	Cycle CycleState

	// sccID groups packages of one strongly connected import component.
	sccID int32
}

// IsCircular reports whether the package belongs to an import cycle.
func (p *Package) IsCircular() bool {
	return p.Cycle.Kind == PartOfCycle
}

// ExportCount returns the number of exports declared by the package.
func (p *Package) ExportCount() int {
	return len(p.Desc.Exports)
}

// Node returns the export graph node for (local export, phase).
func (p *Package) Node(localExport int32, phase descriptor.Phase) *Node {
	if phase == descriptor.PhaseCreate {
		return p.CreateNodes[localExport]
	}
	return p.SerializeNodes[localExport]
}

// ImportRecord is one globally deduplicated import: a package root, an
// intermediate outer object, or a leaf object referenced from other packages.
type ImportRecord struct {
	GlobalIndex    int32
	OuterIndex     int32
	OutermostIndex int32
	Name           string
	FullPath       string
	RefCount       int
	IsPackage      bool
	IsScript       bool

	// Package is the resolved source package for non-script imports, nil when
	// the imported package is not part of the build (degrades to a missing
	// import at runtime).
	Package *Package
	// GlobalExport is the resolved global export index, NullIndex when
	// unresolved.
	GlobalExport int32
}

// ExportRecord is one globally indexed export.
type ExportRecord struct {
	GlobalIndex int32
	Package     *Package
	LocalIndex  int32
	Name        string
	FullPath    string

	// Package-relative references (descriptor object refs, may be empty).
	Outer    string
	Class    string
	Super    string
	Template string

	// GlobalImportIndex is set when another package imports this export.
	GlobalImportIndex int32
}

// Node is one (export, phase) vertex of the export graph.
type Node struct {
	Package    *Package
	LocalIndex int32
	Phase      descriptor.Phase

	// internalSucc and externalSucc are deduplicated successor sets; an edge
	// n -> m means m depends on n.
	internalSucc map[*Node]struct{}
	externalSucc map[*Node]struct{}

	// ExternalDeps records, on the target node, which external nodes it
	// depends on. Consumed by bundle assembly.
	ExternalDeps []*Node

	// ScriptDeps are global import indices of bootstrap script objects this
	// node depends on.
	ScriptDeps []int32

	// order is the node's position in the builder's creation sequence, used
	// for deterministic draining.
	order int32
}

// Order returns the node's creation-order index. Used for deterministic
// draining during load-order computation.
func (n *Node) Order() int32 {
	return n.order
}

// Successors returns the internal and external successor nodes (nodes that
// depend on this one), deduplicated, in creation order.
func (n *Node) Successors() []*Node {
	succ := make([]*Node, 0, len(n.internalSucc)+len(n.externalSucc))
	for s := range n.internalSucc {
		succ = append(succ, s)
	}
	for s := range n.externalSucc {
		succ = append(succ, s)
	}
	sort.Slice(succ, func(i, j int) bool { return succ[i].order < succ[j].order })
	return succ
}

// CircularImportChain is a canonicalized (sorted, hashed) package-name cycle.
type CircularImportChain struct {
	// Names are the sorted member package names.
	Names []string
	// Hash is the xxhash of the sorted names, the dedup key.
	Hash uint64
}
