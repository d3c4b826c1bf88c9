package descriptor

// Phase identifies one of the two load phases of an export.
type Phase uint8

const (
	// PhaseCreate is the object construction phase.
	PhaseCreate Phase = iota
	// PhaseSerialize is the object deserialization phase.
	PhaseSerialize
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	if p == PhaseCreate {
		return "create"
	}
	return "serialize"
}

// Model is the root of the loaded descriptor set.
type Model struct {
	Packages []*Package
}

// Package describes one independently loadable unit of serialized objects.
type Package struct {
	// Name is the long package name, e.g. "/Game/Props/Crate".
	Name string

	// Imports are full object paths defined outside this package. Paths
	// starting with "/Script/" reference engine-intrinsic script objects.
	// The local import index of a path is its position in this slice.
	Imports []string

	// Exports are the objects defined inside this package, addressable by
	// their position in this slice.
	Exports []*Export

	// Metadata holds free-form attributes serialized into the summary.
	Metadata map[string]any
}

// Export describes one object defined inside a package.
type Export struct {
	Name string

	// Outer is the name of another export in the same package, or empty for
	// a top-level object.
	Outer string

	// Class, Super and Template are object references: either an import path
	// (leading slash) or the name of another export in the same package.
	Class    string
	Super    string
	Template string

	// Preload dependencies. Each entry is an object reference as above; the
	// list name encodes (dependency phase, this export's phase).
	CreateBeforeCreate       []string
	SerializeBeforeCreate    []string
	CreateBeforeSerialize    []string
	SerializeBeforeSerialize []string
}

// IsImportRef reports whether an object reference names an import rather than
// a sibling export. Import references are full paths with a leading slash.
func IsImportRef(ref string) bool {
	return len(ref) > 0 && ref[0] == '/'
}

// IsScriptRef reports whether an object reference targets a bootstrap script
// object.
func IsScriptRef(ref string) bool {
	const prefix = "/Script/"
	return len(ref) >= len(prefix) && ref[:len(prefix)] == prefix
}
