// Package bundle partitions the export graph's global load order into
// per-package ordered export bundles and compresses export arcs to bundle
// granularity. Bundles are the unit of on-disk IO at runtime.
package bundle
