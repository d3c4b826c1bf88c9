package buildgraph

import (
	"context"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vk/packstream/internal/ctxlog"
)

// canonicalChain sorts the member names of a discovered cycle path and hashes
// them, so the same cycle found through different discovery paths dedups to
// one record.
func canonicalChain(members []*Package) *CircularImportChain {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	sort.Strings(names)
	return &CircularImportChain{
		Names: names,
		Hash:  xxhash.Sum64String(strings.Join(names, "\x00")),
	}
}

// findNewCircularImportChains walks the imported-package graph from imported
// back toward origin. Every path that reaches origin again is a circular
// import chain; it is canonicalized and recorded, and the function returns
// true only when at least one chain was newly discovered.
func (b *Builder) findNewCircularImportChains(origin, imported *Package, visited map[*Package]struct{}, chain *[]*Package) bool {
	if imported == origin {
		origin.Cycle.Kind = PartOfCycle
		rec := canonicalChain(*chain)
		if origin.Cycle.ChainID == 0 {
			origin.Cycle.ChainID = rec.Hash
		}
		if _, alreadyFound := b.chains[rec.Hash]; alreadyFound {
			return false
		}
		b.chains[rec.Hash] = rec
		return true
	}

	if _, seen := visited[imported]; seen {
		return false
	}
	visited[imported] = struct{}{}

	foundNew := false
	for _, dep := range imported.ImportedPackages {
		*chain = append(*chain, dep)
		if b.findNewCircularImportChains(origin, dep, visited, chain) {
			foundNew = true
		}
		*chain = (*chain)[:len(*chain)-1]
	}
	return foundNew
}

// addPostLoadDependencies discovers the circular import chains reachable from
// a package and, for cycle members, installs the coarse whole-package arcs
// that stand in for the suppressed fine export arcs: a PostLoad arc for every
// direct import not implicated in a newly found chain, and an ExportsDone arc
// for every package inside one.
func (b *Builder) addPostLoadDependencies(ctx context.Context, pkg *Package) {
	logger := ctxlog.FromContext(ctx)

	dependent := make(map[*Package]struct{})
	for _, imported := range pkg.ImportedPackages {
		visited := make(map[*Package]struct{})
		chain := []*Package{imported}
		if b.findNewCircularImportChains(pkg, imported, visited, &chain) {
			for v := range visited {
				dependent[v] = struct{}{}
			}
		}
	}

	if !pkg.IsCircular() {
		return
	}
	logger.Debug("Package is part of an import cycle, adding coarse arcs.", "package", pkg.Name, "chain", pkg.Cycle.ChainID)

	for _, imported := range pkg.ImportedPackages {
		if _, ok := dependent[imported]; !ok {
			b.addCoarseArc(imported, pkg, CoarsePostLoad)
		}
	}

	delete(dependent, pkg)
	deps := make([]*Package, 0, len(dependent))
	for dep := range dependent {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].GlobalID < deps[j].GlobalID })
	for _, dep := range deps {
		b.addCoarseArc(dep, pkg, CoarseExportsDone)
	}
}

// addCoarseArc records one deduplicated whole-package fallback arc on the
// target package.
func (b *Builder) addCoarseArc(from, to *Package, kind CoarseArcKind) {
	for _, arc := range to.CoarseArcs {
		if arc.From == from && arc.Kind == kind {
			return
		}
	}
	to.CoarseArcs = append(to.CoarseArcs, CoarseArc{From: from, Kind: kind})
}
