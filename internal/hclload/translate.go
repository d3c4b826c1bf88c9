package hclload

import (
	"fmt"

	"github.com/vk/packstream/internal/descriptor"
	"github.com/vk/packstream/internal/schema"
	"github.com/zclconf/go-cty/cty"
)

// translatePackage converts the HCL-specific package schema into the agnostic
// model, validating references as it goes.
func (l *Loader) translatePackage(p *schema.Package) (*descriptor.Package, error) {
	pkg := &descriptor.Package{
		Name:    p.Name,
		Imports: p.Imports,
	}
	if !descriptor.IsImportRef(p.Name) {
		return nil, fmt.Errorf("package name %q must be a full path with a leading slash", p.Name)
	}

	exportNames := make(map[string]struct{}, len(p.Exports))
	for _, e := range p.Exports {
		if _, dup := exportNames[e.Name]; dup {
			return nil, fmt.Errorf("package %q declares export %q twice", p.Name, e.Name)
		}
		exportNames[e.Name] = struct{}{}
	}

	importSet := make(map[string]struct{}, len(p.Imports))
	for _, imp := range p.Imports {
		if !descriptor.IsImportRef(imp) {
			return nil, fmt.Errorf("package %q import %q must be a full object path", p.Name, imp)
		}
		importSet[imp] = struct{}{}
	}

	checkRef := func(exportName, ref string) error {
		if ref == "" {
			return nil
		}
		if descriptor.IsImportRef(ref) {
			if _, ok := importSet[ref]; !ok {
				return fmt.Errorf("package %q export %q references %q which is not in the imports list", p.Name, exportName, ref)
			}
			return nil
		}
		if _, ok := exportNames[ref]; !ok {
			return fmt.Errorf("package %q export %q references unknown sibling export %q", p.Name, exportName, ref)
		}
		return nil
	}

	for _, e := range p.Exports {
		exp := &descriptor.Export{
			Name:                     e.Name,
			Outer:                    e.Outer,
			Class:                    e.Class,
			Super:                    e.Super,
			Template:                 e.Template,
			CreateBeforeCreate:       e.CreateBeforeCreate,
			SerializeBeforeCreate:    e.SerializeBeforeCreate,
			CreateBeforeSerialize:    e.CreateBeforeSerialize,
			SerializeBeforeSerialize: e.SerializeBeforeSerialize,
		}
		refs := []string{e.Outer, e.Class, e.Super, e.Template}
		refs = append(refs, e.CreateBeforeCreate...)
		refs = append(refs, e.SerializeBeforeCreate...)
		refs = append(refs, e.CreateBeforeSerialize...)
		refs = append(refs, e.SerializeBeforeSerialize...)
		for _, ref := range refs {
			if err := checkRef(e.Name, ref); err != nil {
				return nil, err
			}
		}
		pkg.Exports = append(pkg.Exports, exp)
	}

	if p.Metadata != nil {
		attrs, diags := p.Metadata.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("package %q metadata: %w", p.Name, diags)
		}
		pkg.Metadata = make(map[string]any, len(attrs))
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("package %q metadata attribute %q: %w", p.Name, name, diags)
			}
			converted, err := ctyValueToInterface(val)
			if err != nil {
				return nil, fmt.Errorf("package %q metadata attribute %q: %w", p.Name, name, err)
			}
			pkg.Metadata[name] = converted
		}
	}

	return pkg, nil
}

// ctyValueToInterface converts a cty.Value to a Go interface{} suitable for
// serialization into the package summary.
func ctyValueToInterface(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	if val.Type().IsPrimitiveType() {
		switch val.Type() {
		case cty.String:
			return val.AsString(), nil
		case cty.Number:
			f, _ := val.AsBigFloat().Float64()
			return f, nil
		case cty.Bool:
			return val.True(), nil
		default:
			return nil, fmt.Errorf("unsupported primitive type: %s", val.Type().FriendlyName())
		}
	}
	if val.Type().IsObjectType() || val.Type().IsMapType() {
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			valInterface, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = valInterface
		}
		return out, nil
	}
	if val.Type().IsTupleType() || val.Type().IsListType() {
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			valInterface, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out = append(out, valInterface)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported cty.Type for conversion: %s", val.Type().FriendlyName())
}
