package packstore

import (
	"sync"

	"github.com/vk/packstream/internal/chunk"
)

// Object is one runtime object instance: a created export or a bootstrap
// script object. Flags advance monotonically through the load phases.
type Object struct {
	FullPath string
	Class    string

	Created    bool
	Serialized bool
	PostLoaded bool

	// Script marks bootstrap objects that exist outside any loadable package.
	Script bool
}

// PackageRefState tracks a referenced package's lifecycle in the import
// store.
type PackageRefState uint8

const (
	// RefNotLoaded means no load has started for the package.
	RefNotLoaded PackageRefState = iota
	// RefLoading means a load is in flight.
	RefLoading
	// RefLoaded means every public export of the package is available.
	RefLoaded
	// RefFailed means the package load failed and its exports are void.
	RefFailed
)

// LoadedPackageRef is the reference-counted load state of one package.
// Importers hold a ref for the duration of their own load so the exports
// they bound cannot be swept.
type LoadedPackageRef struct {
	refCount int
	state    PackageRefState
}

// State returns the package's current lifecycle state.
func (r *LoadedPackageRef) State() PackageRefState { return r.state }

// RefCount returns the number of outstanding references.
func (r *LoadedPackageRef) RefCount() int { return r.refCount }

type exportKey struct {
	pkg   uint64
	local int32
}

// ImportStore is the global object registry: script objects instantiated
// lazily from the bootstrap table, and public exports published by completed
// create phases.
type ImportStore struct {
	mu sync.RWMutex

	scriptEntries map[int32]chunk.ScriptObjectEntry
	scriptObjects map[int32]*Object

	publicExports map[exportKey]*Object
	packageRefs   map[uint64]*LoadedPackageRef
}

// NewImportStore indexes the bootstrap script object table. Objects are not
// instantiated until first referenced.
func NewImportStore(meta *chunk.InitialLoadMeta) *ImportStore {
	s := &ImportStore{
		scriptEntries: make(map[int32]chunk.ScriptObjectEntry),
		scriptObjects: make(map[int32]*Object),
		publicExports: make(map[exportKey]*Object),
		packageRefs:   make(map[uint64]*LoadedPackageRef),
	}
	if meta != nil {
		for _, e := range meta.ScriptObjects {
			s.scriptEntries[e.GlobalImportIndex] = e
		}
	}
	return s
}

// FindScriptObject returns the script object for a global import index,
// instantiating it on first reference. Returns nil for indices outside the
// bootstrap table.
func (s *ImportStore) FindScriptObject(globalImportIndex int32) *Object {
	s.mu.RLock()
	obj, ok := s.scriptObjects[globalImportIndex]
	s.mu.RUnlock()
	if ok {
		return obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.scriptObjects[globalImportIndex]; ok {
		return obj
	}
	entry, ok := s.scriptEntries[globalImportIndex]
	if !ok {
		return nil
	}
	obj = &Object{
		FullPath:   entry.FullPath,
		Script:     true,
		Created:    true,
		Serialized: true,
		PostLoaded: true,
	}
	s.scriptObjects[globalImportIndex] = obj
	return obj
}

// ScriptObjectCount returns the number of bootstrap table entries.
func (s *ImportStore) ScriptObjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scriptEntries)
}

// StorePublicExport publishes a created export for cross-package import
// resolution.
func (s *ImportStore) StorePublicExport(pkg uint64, localIndex int32, obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicExports[exportKey{pkg: pkg, local: localIndex}] = obj
}

// FindPublicExport resolves a (package, local export) pair to its object.
func (s *ImportStore) FindPublicExport(pkg uint64, localIndex int32) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.publicExports[exportKey{pkg: pkg, local: localIndex}]
	return obj, ok
}

// AddPackageRef takes a reference on a package and reports its state at the
// time of the call. The first reference moves NotLoaded to Loading.
func (s *ImportStore) AddPackageRef(pkg uint64) PackageRefState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.packageRefs[pkg]
	if !ok {
		ref = &LoadedPackageRef{}
		s.packageRefs[pkg] = ref
	}
	ref.refCount++
	prior := ref.state
	if ref.state == RefNotLoaded {
		ref.state = RefLoading
	}
	return prior
}

// ReleasePackageRef drops one reference.
func (s *ImportStore) ReleasePackageRef(pkg uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.packageRefs[pkg]; ok && ref.refCount > 0 {
		ref.refCount--
	}
}

// SetPackageLoaded marks every public export of the package as available.
func (s *ImportStore) SetPackageLoaded(pkg uint64) {
	s.setState(pkg, RefLoaded)
}

// SetPackageFailed marks the package's load as failed.
func (s *ImportStore) SetPackageFailed(pkg uint64) {
	s.setState(pkg, RefFailed)
}

func (s *ImportStore) setState(pkg uint64, state PackageRefState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.packageRefs[pkg]
	if !ok {
		ref = &LoadedPackageRef{}
		s.packageRefs[pkg] = ref
	}
	ref.state = state
}

// PackageRef returns the package's ref record, nil when never referenced.
func (s *ImportStore) PackageRef(pkg uint64) *LoadedPackageRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packageRefs[pkg]
}

// Sweep removes the public exports and ref record of packages whose ref
// count has dropped to zero and whose load is finished, returning how many
// packages were cleared.
func (s *ImportStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for pkg, ref := range s.packageRefs {
		if ref.refCount > 0 || ref.state == RefLoading {
			continue
		}
		delete(s.packageRefs, pkg)
		for key := range s.publicExports {
			if key.pkg == pkg {
				delete(s.publicExports, key)
			}
		}
		cleared++
	}
	return cleared
}
