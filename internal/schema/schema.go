package schema

import (
	"github.com/hashicorp/hcl/v2"
)

// --- Package Descriptor Structures ---

// Export represents an `export` block inside a package descriptor. It is one
// serialized object, addressable by its position in the package.
type Export struct {
	Name     string `hcl:"name,label"`
	Outer    string `hcl:"outer,optional"`
	Class    string `hcl:"class,optional"`
	Super    string `hcl:"super,optional"`
	Template string `hcl:"template,optional"`

	// Preload dependency lists. Each entry is either an import path (leading
	// slash) or the name of a sibling export.
	CreateBeforeCreate       []string `hcl:"create_before_create,optional"`
	SerializeBeforeCreate    []string `hcl:"serialize_before_create,optional"`
	CreateBeforeSerialize    []string `hcl:"create_before_serialize,optional"`
	SerializeBeforeSerialize []string `hcl:"serialize_before_serialize,optional"`
}

// Metadata represents the free-form `metadata` block of a package descriptor.
// Its attributes are evaluated and carried into the package summary.
type Metadata struct {
	Body hcl.Body `hcl:",remain"`
}

// Package represents a `package` block from a descriptor file.
type Package struct {
	Name     string    `hcl:"name,label"`
	Imports  []string  `hcl:"imports,optional"`
	Exports  []*Export `hcl:"export,block"`
	Metadata *Metadata `hcl:"metadata,block"`
}

// FileRoot is the top-level structure of a descriptor file. A single file may
// declare any number of packages.
type FileRoot struct {
	Packages []*Package `hcl:"package,block"`
	Remain   hcl.Body   `hcl:",remain"`
}
