package buildgraph

import (
	"context"
	"fmt"

	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
)

// Builder accumulates descriptor packages and resolves them into the global
// import/export tables and the export graph.
type Builder struct {
	packages []*Package
	byName   map[string]*Package

	imports       []*ImportRecord
	importsByPath map[string]int32

	exports       []*ExportRecord
	exportsByPath map[string]int32

	chains map[uint64]*CircularImportChain

	sorted  []*Package
	nodeSeq int32

	resolved bool
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		byName:        make(map[string]*Package),
		importsByPath: make(map[string]int32),
		exportsByPath: make(map[string]int32),
		chains:        make(map[uint64]*CircularImportChain),
	}
}

// AddPackage registers a descriptor package, deduplicating by resolved long
// name, and assigns it the next sequential global id.
func (b *Builder) AddPackage(desc *descriptor.Package) *Package {
	if existing, ok := b.byName[desc.Name]; ok {
		return existing
	}
	pkg := &Package{
		GlobalID: int32(len(b.packages)),
		ID:       PackageIDFromName(desc.Name),
		Name:     desc.Name,
		Desc:     desc,
		sccID:    -1,
	}
	b.packages = append(b.packages, pkg)
	b.byName[desc.Name] = pkg
	return pkg
}

// Packages returns all packages in registration order.
func (b *Builder) Packages() []*Package {
	return b.packages
}

// SortedPackages returns packages in "imports before importers" order.
// Resolve must have run.
func (b *Builder) SortedPackages() []*Package {
	return b.sorted
}

// GlobalImports returns the sorted, deduplicated global import table.
func (b *Builder) GlobalImports() []*ImportRecord {
	return b.imports
}

// GlobalExports returns the global export table in package order.
func (b *Builder) GlobalExports() []*ExportRecord {
	return b.exports
}

// Chains returns the deduplicated circular import chains.
func (b *Builder) Chains() []*CircularImportChain {
	chains := make([]*CircularImportChain, 0, len(b.chains))
	for _, c := range b.chains {
		chains = append(chains, c)
	}
	return chains
}

// FirstImportOfPackage returns the global index of the package-root import
// record for the given package name, or NullIndex if nothing imports it.
// Constant time thanks to the contiguous per-package import blocks.
func (b *Builder) FirstImportOfPackage(name string) int32 {
	if idx, ok := b.importsByPath[name]; ok {
		return idx
	}
	return NullIndex
}

// Resolve runs every build pass: export registration, import flattening,
// global import sort, package graph construction, export arc creation,
// topological sort and circular chain discovery.
func (b *Builder) Resolve(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if b.resolved {
		return fmt.Errorf("builder already resolved")
	}
	b.resolved = true

	b.registerExports()
	logger.Debug("Export registration complete.", "global_exports", len(b.exports))

	b.flattenImports()
	b.sortGlobalImports()
	b.resolveImports(ctx)
	logger.Debug("Import flattening complete.", "global_imports", len(b.imports))

	b.buildImportedPackageLists()
	b.assignComponents()

	if err := b.buildExportGraph(ctx); err != nil {
		return err
	}
	logger.Debug("Export graph construction complete.")

	b.sorted = b.topologicalSort()

	for _, pkg := range b.sorted {
		b.addPostLoadDependencies(ctx, pkg)
	}
	logger.Debug("Circular chain discovery complete.", "chains", len(b.chains))

	return nil
}

// registerExports allocates a global export record for every export of every
// package, building full paths bottom-up through the outer chain.
func (b *Builder) registerExports() {
	for _, pkg := range b.packages {
		pkg.ExportGlobals = make([]int32, len(pkg.Desc.Exports))
		fullNames := make([]string, len(pkg.Desc.Exports))
		localByName := make(map[string]int32, len(pkg.Desc.Exports))
		for i, e := range pkg.Desc.Exports {
			localByName[e.Name] = int32(i)
		}
		for i := range pkg.Desc.Exports {
			b.findExport(pkg, int32(i), fullNames, localByName)
		}
	}
}

// findExport memoizes the full path of a local export and allocates its
// global record on first sighting.
func (b *Builder) findExport(pkg *Package, local int32, fullNames []string, localByName map[string]int32) {
	if fullNames[local] != "" {
		return
	}
	e := pkg.Desc.Exports[local]
	if e.Outer == "" {
		fullNames[local] = pkg.Name + "/" + e.Name
	} else {
		outerLocal := localByName[e.Outer]
		b.findExport(pkg, outerLocal, fullNames, localByName)
		fullNames[local] = fullNames[outerLocal] + "/" + e.Name
	}

	fullPath := fullNames[local]
	globalIndex := int32(len(b.exports))
	b.exportsByPath[fullPath] = globalIndex
	b.exports = append(b.exports, &ExportRecord{
		GlobalIndex:       globalIndex,
		Package:           pkg,
		LocalIndex:        local,
		Name:              e.Name,
		FullPath:          fullPath,
		Outer:             e.Outer,
		Class:             e.Class,
		Super:             e.Super,
		Template:          e.Template,
		GlobalImportIndex: NullIndex,
	})
	pkg.ExportGlobals[local] = globalIndex
}

// buildImportedPackageLists derives each package's deduplicated imported
// package list from its resolved non-script imports.
func (b *Builder) buildImportedPackageLists() {
	for _, pkg := range b.packages {
		seen := make(map[*Package]struct{})
		for _, globalIdx := range pkg.ImportGlobals {
			imp := b.imports[globalIdx]
			root := b.imports[imp.OutermostIndex]
			if root.IsScript || root.Package == nil || root.Package == pkg {
				continue
			}
			if _, ok := seen[root.Package]; ok {
				continue
			}
			seen[root.Package] = struct{}{}
			pkg.ImportedPackages = append(pkg.ImportedPackages, root.Package)
		}
	}
}
