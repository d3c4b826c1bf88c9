package bundle

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/vk/packstream/internal/buildgraph"
	"github.com/vk/packstream/internal/ctxlog"
)

// Bundle is one ordered group of export graph nodes with a global load-order
// index. All nodes of a bundle belong to the same package.
type Bundle struct {
	Package *buildgraph.Package
	// Index is the bundle's position within its package.
	Index int32
	// LoadOrder is the bundle's position in the global topological order.
	LoadOrder uint32
	Nodes     []*buildgraph.Node
}

// InternalArc orders two bundles of the same package.
type InternalArc struct {
	FromBundle int32
	ToBundle   int32
}

// ExternalArc orders a bundle of another package before a bundle of this one.
type ExternalArc struct {
	FromPackage *buildgraph.Package
	FromBundle  int32
	ToBundle    int32
}

// ScriptArc orders a bootstrap script object before a bundle.
type ScriptArc struct {
	GlobalImportIndex int32
	ToBundle          int32
}

// PackageAssembly is the bundle partition of one package.
type PackageAssembly struct {
	Bundles      []*Bundle
	InternalArcs []InternalArc
	ExternalArcs []ExternalArc
	ScriptArcs   []ScriptArc
}

// Assembly is the result of load-order computation and bundle partitioning.
type Assembly struct {
	// Order is the single global linear export load order.
	Order []*buildgraph.Node
	// Packages maps each package to its bundle partition.
	Packages map[*buildgraph.Package]*PackageAssembly

	bundleByNode map[*buildgraph.Node]int32
}

// nodeHeap drains ready nodes of one package in creation order.
type nodeHeap []*buildgraph.Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].Order() < h[j].Order() }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*buildgraph.Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ComputeLoadOrder produces the global linear export load order: packages are
// visited in topological order and each visit drains every currently
// zero-in-degree node of that package, including nodes freed by the drain
// itself. The round-robin repeats until all nodes are placed; a full pass
// without progress means the export graph holds a cycle, which is a build
// input defect, not a recoverable condition.
func ComputeLoadOrder(ctx context.Context, b *buildgraph.Builder) ([]*buildgraph.Node, error) {
	logger := ctxlog.FromContext(ctx)
	packages := b.SortedPackages()

	inDegree := make(map[*buildgraph.Node]int)
	total := 0
	for _, pkg := range packages {
		for i := range pkg.CreateNodes {
			total += 2
			for _, succ := range pkg.CreateNodes[i].Successors() {
				inDegree[succ]++
			}
			for _, succ := range pkg.SerializeNodes[i].Successors() {
				inDegree[succ]++
			}
		}
	}

	ready := make(map[*buildgraph.Package]*nodeHeap, len(packages))
	for _, pkg := range packages {
		h := &nodeHeap{}
		for i := range pkg.CreateNodes {
			for _, n := range []*buildgraph.Node{pkg.CreateNodes[i], pkg.SerializeNodes[i]} {
				if inDegree[n] == 0 {
					heap.Push(h, n)
				}
			}
		}
		ready[pkg] = h
	}

	order := make([]*buildgraph.Node, 0, total)
	for len(order) < total {
		progress := false
		for _, pkg := range packages {
			h := ready[pkg]
			for h.Len() > 0 {
				n := heap.Pop(h).(*buildgraph.Node)
				order = append(order, n)
				progress = true
				for _, succ := range n.Successors() {
					inDegree[succ]--
					if inDegree[succ] == 0 {
						heap.Push(ready[succ.Package], succ)
					}
				}
			}
		}
		if !progress {
			return nil, fmt.Errorf("export graph contains a cycle: %d of %d nodes unplaceable", total-len(order), total)
		}
	}

	logger.Debug("Export load order computed.", "nodes", len(order))
	return order, nil
}

// BuildBundles walks the global load order and partitions it into bundles: a
// new bundle starts whenever the current node's package differs from the
// previous node's. External and script dependencies are compressed into
// deduplicated bundle-granularity arcs.
func BuildBundles(ctx context.Context, order []*buildgraph.Node) *Assembly {
	logger := ctxlog.FromContext(ctx)

	asm := &Assembly{
		Order:        order,
		Packages:     make(map[*buildgraph.Package]*PackageAssembly),
		bundleByNode: make(map[*buildgraph.Node]int32, len(order)),
	}

	var lastPackage *buildgraph.Package
	bundleLoadOrder := uint32(0)

	for _, node := range order {
		pkg := node.Package
		pa := asm.Packages[pkg]
		if pa == nil {
			pa = &PackageAssembly{}
			asm.Packages[pkg] = pa
		}

		var bundleIndex int32
		var b *Bundle
		if pkg != lastPackage {
			bundleIndex = int32(len(pa.Bundles))
			b = &Bundle{Package: pkg, Index: bundleIndex, LoadOrder: bundleLoadOrder}
			bundleLoadOrder++
			pa.Bundles = append(pa.Bundles, b)
			if bundleIndex > 0 {
				// Bundles of one package are processed sequentially.
				pa.addInternalArc(InternalArc{FromBundle: bundleIndex - 1, ToBundle: bundleIndex})
			}
			lastPackage = pkg
		} else {
			bundleIndex = int32(len(pa.Bundles) - 1)
			b = pa.Bundles[bundleIndex]
		}

		for _, dep := range node.ExternalDeps {
			depBundle, ok := asm.bundleByNode[dep]
			if !ok {
				// Load order places dependencies first; a missing entry means
				// the graph is corrupt.
				panic(fmt.Sprintf("external dependency of %s bundle %d not yet assigned to a bundle", pkg.Name, bundleIndex))
			}
			pa.addExternalArc(ExternalArc{FromPackage: dep.Package, FromBundle: depBundle, ToBundle: bundleIndex})
		}
		for _, scriptImport := range node.ScriptDeps {
			pa.addScriptArc(ScriptArc{GlobalImportIndex: scriptImport, ToBundle: bundleIndex})
		}

		b.Nodes = append(b.Nodes, node)
		asm.bundleByNode[node] = bundleIndex
	}

	logger.Debug("Bundle partitioning complete.", "bundles", bundleLoadOrder, "packages", len(asm.Packages))
	return asm
}

func (pa *PackageAssembly) addInternalArc(arc InternalArc) {
	for _, existing := range pa.InternalArcs {
		if existing == arc {
			return
		}
	}
	pa.InternalArcs = append(pa.InternalArcs, arc)
}

func (pa *PackageAssembly) addExternalArc(arc ExternalArc) {
	for _, existing := range pa.ExternalArcs {
		if existing == arc {
			return
		}
	}
	pa.ExternalArcs = append(pa.ExternalArcs, arc)
}

func (pa *PackageAssembly) addScriptArc(arc ScriptArc) {
	for _, existing := range pa.ScriptArcs {
		if existing == arc {
			return
		}
	}
	pa.ScriptArcs = append(pa.ScriptArcs, arc)
}
