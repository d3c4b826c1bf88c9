// Package descriptor defines the format-agnostic model of the cooked package
// descriptors consumed by the offline build pipeline. Loaders (currently only
// HCL, see internal/hclload) translate their own schema into this model so the
// graph builder never depends on a concrete input format.
package descriptor
