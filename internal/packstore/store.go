package packstore

import (
	"context"
	"sync"

	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/ctxlog"
)

// Entry is one package's catalog record, merged from container TOC chunks.
type Entry struct {
	ID                uint64
	Name              string
	ExportCount       int32
	BundleCount       int32
	ImportedPackages  []uint64
	ExportBundlesSize uint64
	LoadOrder         uint32

	// MountOrder is the mount order of the container the entry came from.
	MountOrder int32
}

// Store is the runtime package catalog. Mounting a container merges its TOC;
// on package id conflicts the entry from the container with the higher mount
// order wins.
type Store struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
}

// NewStore returns an empty catalog.
func NewStore() *Store {
	return &Store{entries: make(map[uint64]*Entry)}
}

// Mount merges one container's TOC into the catalog.
func (s *Store) Mount(ctx context.Context, data *chunk.PackageStoreData, mountOrder int32) {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := 0
	for _, rec := range data.Entries {
		if existing, ok := s.entries[rec.ID]; ok {
			if existing.MountOrder >= mountOrder {
				continue
			}
			replaced++
		}
		imported := make([]uint64, len(rec.ImportedPackages))
		copy(imported, rec.ImportedPackages)
		s.entries[rec.ID] = &Entry{
			ID:                rec.ID,
			Name:              rec.Name,
			ExportCount:       rec.ExportCount,
			BundleCount:       rec.BundleCount,
			ImportedPackages:  imported,
			ExportBundlesSize: rec.ExportBundlesSize,
			LoadOrder:         rec.LoadOrder,
			MountOrder:        mountOrder,
		}
	}
	logger.Debug("Package store mounted.", "entries", len(data.Entries), "replaced", replaced, "mount_order", mountOrder)
}

// FindEntry looks up a package by id.
func (s *Store) FindEntry(id uint64) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of catalog entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ApplyRedirects rewrites the catalog in place: each redirected source id is
// remapped to its target entry, and every imported package list is rewritten
// through the redirect table. Runs before any load starts.
func (s *Store) ApplyRedirects(ctx context.Context, redirects map[uint64]uint64) {
	if len(redirects) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	for from, to := range redirects {
		target, ok := s.entries[to]
		if !ok {
			logger.Warn("Redirect target missing from catalog.", "from", from, "to", to)
			continue
		}
		s.entries[from] = target
	}
	for _, e := range s.entries {
		for i, dep := range e.ImportedPackages {
			if to, ok := redirects[dep]; ok {
				e.ImportedPackages[i] = to
			}
		}
	}
	logger.Debug("Package redirects applied.", "redirects", len(redirects))
}
