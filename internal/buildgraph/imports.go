package buildgraph

import (
	"context"
	"sort"
	"strings"

	"github.com/vk/packstream/internal/ctxlog"
)

// flattenImports walks every package's local import list and allocates global
// import records for the full outer chain of each imported object path.
func (b *Builder) flattenImports() {
	for _, pkg := range b.packages {
		pkg.ImportGlobals = make([]int32, len(pkg.Desc.Imports))
		for i, path := range pkg.Desc.Imports {
			pkg.ImportGlobals[i] = b.findImport(path)
		}
	}
}

// findImport returns the global index of the leaf import record for an object
// path, allocating records bottom-up through the outer chain on first
// sighting and incrementing ref counts on every subsequent one.
func (b *Builder) findImport(path string) int32 {
	rootName, objectNames := b.splitImportPath(path)
	isScript := strings.HasPrefix(rootName, "/Script/")

	rootIndex := b.findOrAddImport(rootName, rootName, NullIndex, NullIndex, true, isScript)

	outerIndex := rootIndex
	fullPath := rootName
	for _, objectName := range objectNames {
		fullPath = fullPath + "/" + objectName
		outerIndex = b.findOrAddImport(objectName, fullPath, outerIndex, b.imports[outerIndex].OutermostIndex, false, isScript)
	}
	return outerIndex
}

// findOrAddImport allocates a global import record on first sighting,
// otherwise bumps the existing record's ref count.
func (b *Builder) findOrAddImport(name, fullPath string, outer, outermost int32, isPackage, isScript bool) int32 {
	if idx, ok := b.importsByPath[fullPath]; ok {
		b.imports[idx].RefCount++
		return idx
	}
	idx := int32(len(b.imports))
	rec := &ImportRecord{
		GlobalIndex:    idx,
		OuterIndex:     outer,
		OutermostIndex: outermost,
		Name:           name,
		FullPath:       fullPath,
		RefCount:       1,
		IsPackage:      isPackage,
		IsScript:       isScript,
		GlobalExport:   NullIndex,
	}
	if isPackage {
		rec.OutermostIndex = idx
	}
	b.imports = append(b.imports, rec)
	b.importsByPath[fullPath] = idx
	return idx
}

// splitImportPath splits a full object path into its outermost package name
// and the object name chain below it. The package boundary is the longest
// prefix naming a known package; script paths root at "/Script/<module>", and
// unknown asset paths fall back to their directory part so the leaf still
// resolves against a (missing) package.
func (b *Builder) splitImportPath(path string) (string, []string) {
	trimmed := strings.TrimSuffix(path, "/")
	segments := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")

	if segments[0] == "Script" {
		n := 2
		if len(segments) < 2 {
			n = 1
		}
		root := "/" + strings.Join(segments[:n], "/")
		return root, segments[n:]
	}

	for n := len(segments); n > 0; n-- {
		prefix := "/" + strings.Join(segments[:n], "/")
		if _, ok := b.byName[prefix]; ok {
			return prefix, segments[n:]
		}
	}

	// Unknown package: everything but the leaf is the package path.
	if len(segments) > 1 {
		root := "/" + strings.Join(segments[:len(segments)-1], "/")
		return root, segments[len(segments)-1:]
	}
	return "/" + segments[0], nil
}

// sortGlobalImports orders the global import table script-first, then by
// outermost package, packages before their objects, then by full path. The
// result has one contiguous block per imported package, which is what makes
// "first import of package P" a constant-time lookup.
func (b *Builder) sortGlobalImports() {
	sorted := make([]*ImportRecord, len(b.imports))
	copy(sorted, b.imports)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, c := sorted[i], sorted[j]
		if a.IsScript != c.IsScript {
			return a.IsScript
		}
		if a.OutermostIndex != c.OutermostIndex {
			return a.OutermostIndex < c.OutermostIndex
		}
		if a.IsPackage != c.IsPackage {
			return a.IsPackage
		}
		return a.FullPath < c.FullPath
	})

	remap := make([]int32, len(b.imports))
	for newIdx, rec := range sorted {
		remap[rec.GlobalIndex] = int32(newIdx)
	}
	for newIdx, rec := range sorted {
		rec.GlobalIndex = int32(newIdx)
		if rec.OuterIndex != NullIndex {
			rec.OuterIndex = remap[rec.OuterIndex]
		}
		rec.OutermostIndex = remap[rec.OutermostIndex]
		b.importsByPath[rec.FullPath] = int32(newIdx)
	}
	b.imports = sorted

	for _, pkg := range b.packages {
		for i, old := range pkg.ImportGlobals {
			pkg.ImportGlobals[i] = remap[old]
		}
	}
}

// resolveImports links import records to their source packages and exports.
// Imports of packages outside the build degrade to null references with a
// warning; the runtime treats them as missing imports.
func (b *Builder) resolveImports(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, rec := range b.imports {
		if rec.IsScript {
			continue
		}
		root := b.imports[rec.OutermostIndex]
		if root.Package == nil {
			root.Package = b.byName[root.FullPath]
		}
		rec.Package = root.Package
		if rec.Package == nil {
			if rec.IsPackage {
				logger.Warn("Imported package is not part of the build.", "package", rec.FullPath)
			}
			continue
		}
		if rec.IsPackage {
			continue
		}
		if exportIdx, ok := b.exportsByPath[rec.FullPath]; ok {
			rec.GlobalExport = exportIdx
			b.exports[exportIdx].GlobalImportIndex = rec.GlobalIndex
		} else {
			logger.Warn("Import does not resolve to any export.", "path", rec.FullPath, "package", rec.Package.Name)
		}
	}
}
