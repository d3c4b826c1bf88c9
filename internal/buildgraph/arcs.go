package buildgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
)

// newNode allocates one export graph node with the next creation-order index.
func (b *Builder) newNode(pkg *Package, local int32, phase descriptor.Phase) *Node {
	n := &Node{
		Package:      pkg,
		LocalIndex:   local,
		Phase:        phase,
		internalSucc: make(map[*Node]struct{}),
		externalSucc: make(map[*Node]struct{}),
		order:        b.nodeSeq,
	}
	b.nodeSeq++
	return n
}

// AddInternalExportArc registers an ordering edge between two phases of the
// same package: (fromLocal, fromPhase) must complete before (toLocal, toPhase).
func (b *Builder) AddInternalExportArc(pkg *Package, fromLocal int32, fromPhase descriptor.Phase, toLocal int32, toPhase descriptor.Phase) {
	from := pkg.Node(fromLocal, fromPhase)
	to := pkg.Node(toLocal, toPhase)
	from.internalSucc[to] = struct{}{}
}

// AddExternalExportArc registers a cross-package ordering edge and records the
// dependency on the target node for bundle assembly.
func (b *Builder) AddExternalExportArc(fromPkg *Package, fromLocal int32, fromPhase descriptor.Phase, toPkg *Package, toLocal int32, toPhase descriptor.Phase) {
	from := fromPkg.Node(fromLocal, fromPhase)
	to := toPkg.Node(toLocal, toPhase)
	if _, exists := from.externalSucc[to]; exists {
		return
	}
	from.externalSucc[to] = struct{}{}
	to.ExternalDeps = append(to.ExternalDeps, from)
}

// AddScriptArc registers a dependency of (local, phase) on a bootstrap script
// object identified by its global import index.
func (b *Builder) AddScriptArc(pkg *Package, globalImportIndex int32, local int32, phase descriptor.Phase) {
	node := pkg.Node(local, phase)
	for _, existing := range node.ScriptDeps {
		if existing == globalImportIndex {
			return
		}
	}
	node.ScriptDeps = append(node.ScriptDeps, globalImportIndex)
}

// buildExportGraph creates the Create/Serialize node pair for every export
// and turns the descriptor preload dependency lists into arcs. Fine external
// arcs are suppressed inside import cycles; the coarse package arcs added
// later cover those orderings.
func (b *Builder) buildExportGraph(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	for _, pkg := range b.packages {
		pkg.CreateNodes = make([]*Node, len(pkg.Desc.Exports))
		pkg.SerializeNodes = make([]*Node, len(pkg.Desc.Exports))
		for i := range pkg.Desc.Exports {
			pkg.CreateNodes[i] = b.newNode(pkg, int32(i), descriptor.PhaseCreate)
			pkg.SerializeNodes[i] = b.newNode(pkg, int32(i), descriptor.PhaseSerialize)
		}
	}

	for _, pkg := range b.packages {
		for i, e := range pkg.Desc.Exports {
			local := int32(i)
			// An export is always constructed before it is deserialized.
			b.AddInternalExportArc(pkg, local, descriptor.PhaseCreate, local, descriptor.PhaseSerialize)

			lists := []struct {
				refs     []string
				depPhase descriptor.Phase
				myPhase  descriptor.Phase
			}{
				{e.CreateBeforeCreate, descriptor.PhaseCreate, descriptor.PhaseCreate},
				{e.SerializeBeforeCreate, descriptor.PhaseSerialize, descriptor.PhaseCreate},
				{e.CreateBeforeSerialize, descriptor.PhaseCreate, descriptor.PhaseSerialize},
				{e.SerializeBeforeSerialize, descriptor.PhaseSerialize, descriptor.PhaseSerialize},
			}
			for _, list := range lists {
				for _, ref := range list.refs {
					if err := b.addDependencyArc(logger, pkg, local, ref, list.depPhase, list.myPhase); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// addDependencyArc resolves one preload dependency reference and registers
// the matching internal, external or script arc.
func (b *Builder) addDependencyArc(logger *slog.Logger, pkg *Package, local int32, ref string, depPhase, myPhase descriptor.Phase) error {
	if !descriptor.IsImportRef(ref) {
		siblingLocal := int32(-1)
		for i, e := range pkg.Desc.Exports {
			if e.Name == ref {
				siblingLocal = int32(i)
				break
			}
		}
		if siblingLocal < 0 {
			return fmt.Errorf("package %q export %d references unknown sibling %q", pkg.Name, local, ref)
		}
		b.AddInternalExportArc(pkg, siblingLocal, depPhase, local, myPhase)
		return nil
	}

	idx, ok := b.importsByPath[ref]
	if !ok {
		return fmt.Errorf("package %q export %d references unflattened import %q", pkg.Name, local, ref)
	}
	rec := b.imports[idx]
	if rec.IsScript {
		b.AddScriptArc(pkg, idx, local, myPhase)
		return nil
	}
	if rec.GlobalExport == NullIndex {
		// Missing import: the runtime degrades this to a null reference.
		logger.Warn("Dropping arc on unresolved import.", "package", pkg.Name, "ref", ref)
		return nil
	}
	target := b.exports[rec.GlobalExport]
	if target.Package == pkg {
		b.AddInternalExportArc(pkg, target.LocalIndex, depPhase, local, myPhase)
		return nil
	}
	if b.sameCycle(target.Package, pkg) {
		// Fine arcs never cross a cycle boundary; coarse package arcs take over.
		return nil
	}
	b.AddExternalExportArc(target.Package, target.LocalIndex, depPhase, pkg, local, myPhase)
	return nil
}

// sameCycle reports whether two packages belong to the same strongly
// connected component of the import graph.
func (b *Builder) sameCycle(a, c *Package) bool {
	return a.sccID >= 0 && a.sccID == c.sccID && a.IsCircular()
}

// assignComponents runs Tarjan's algorithm over the imported-package graph
// and flags every member of a non-trivial component as part of a cycle.
func (b *Builder) assignComponents() {
	index := int32(0)
	sccCount := int32(0)
	indices := make(map[*Package]int32)
	lowlink := make(map[*Package]int32)
	onStack := make(map[*Package]bool)
	var stack []*Package

	var strongConnect func(p *Package)
	strongConnect = func(p *Package) {
		indices[p] = index
		lowlink[p] = index
		index++
		stack = append(stack, p)
		onStack[p] = true

		for _, dep := range p.ImportedPackages {
			if _, seen := indices[dep]; !seen {
				strongConnect(dep)
				if lowlink[dep] < lowlink[p] {
					lowlink[p] = lowlink[dep]
				}
			} else if onStack[dep] {
				if indices[dep] < lowlink[p] {
					lowlink[p] = indices[dep]
				}
			}
		}

		if lowlink[p] == indices[p] {
			var members []*Package
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				members = append(members, top)
				if top == p {
					break
				}
			}
			for _, m := range members {
				m.sccID = sccCount
				if len(members) > 1 {
					m.Cycle.Kind = PartOfCycle
				}
			}
			sccCount++
		}
	}

	for _, pkg := range b.packages {
		if _, seen := indices[pkg]; !seen {
			strongConnect(pkg)
		}
	}
}
