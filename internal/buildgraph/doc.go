// Package buildgraph is the offline dependency graph builder. It flattens the
// per-package local import/export references of a descriptor set into globally
// unique, deduplicated records, builds the package-level import graph and the
// finer export-level create/serialize graph, topologically sorts packages and
// detects and deduplicates circular import chains.
//
// Packages that are part of an import cycle fall back to coarse whole-package
// ordering arcs; fine export arcs never cross a cycle boundary.
package buildgraph
