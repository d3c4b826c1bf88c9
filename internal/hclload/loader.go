// Package hclload parses HCL package descriptor files into the
// format-agnostic descriptor model consumed by the graph builder.
package hclload

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
	"github.com/vk/packstream/internal/schema"
)

// Loader is the HCL-specific implementation of descriptor loading.
type Loader struct{}

// NewLoader creates a new HCL descriptor loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses all given descriptor files and merges their packages into a
// single model. Package names must be unique across the whole set.
func (l *Loader) Load(ctx context.Context, files ...string) (*descriptor.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL descriptor loader started.", "file_count", len(files))

	model := &descriptor.Model{}
	seen := make(map[string]string)

	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse descriptor file %s: %w", file, diags)
		}

		var root schema.FileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode descriptor file %s: %w", file, diags)
		}

		for _, pkg := range root.Packages {
			if prev, ok := seen[pkg.Name]; ok {
				return nil, fmt.Errorf("duplicate package %q in %s (first declared in %s)", pkg.Name, file, prev)
			}
			seen[pkg.Name] = file

			translated, err := l.translatePackage(pkg)
			if err != nil {
				return nil, fmt.Errorf("in %s: %w", file, err)
			}
			model.Packages = append(model.Packages, translated)
		}
	}

	// Descriptor discovery order depends on the file system; make the model
	// deterministic before the builder assigns global ids.
	sort.Slice(model.Packages, func(i, j int) bool {
		return model.Packages[i].Name < model.Packages[j].Name
	})

	logger.Debug("HCL descriptor loading complete.", "packages", len(model.Packages))
	return model, nil
}
