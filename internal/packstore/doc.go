// Package packstore holds the runtime package catalog and object registries:
// the table of contents merged from mounted containers, package id redirects,
// the global import store with lazily instantiated script objects, and the
// public export registry shared across concurrent package loads.
package packstore
