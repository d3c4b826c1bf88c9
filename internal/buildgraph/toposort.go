package buildgraph

// topologicalSort orders packages so that imports come before their
// importers. Classic depth-first search with temporary/permanent marks;
// cycle members are tolerated (the walk simply does not recurse into a
// package already on the stack), so members of a cycle keep their relative
// visit order.
func (b *Builder) topologicalSort() []*Package {
	const (
		unvisited = iota
		temporary
		permanent
	)
	marks := make(map[*Package]int, len(b.packages))
	sorted := make([]*Package, 0, len(b.packages))

	var visit func(p *Package)
	visit = func(p *Package) {
		switch marks[p] {
		case permanent:
			return
		case temporary:
			// Back edge: part of a cycle, handled by coarse arcs.
			return
		}
		marks[p] = temporary
		for _, dep := range p.ImportedPackages {
			visit(dep)
		}
		marks[p] = permanent
		sorted = append(sorted, p)
	}

	for _, pkg := range b.packages {
		visit(pkg)
	}
	return sorted
}
