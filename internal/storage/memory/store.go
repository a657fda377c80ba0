// Package memory implements storage.MappingStore in process memory. It is
// used for dry runs and tests; nothing survives the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/types"
)

// Store is a map-backed MappingStore.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*types.MappingEntry
	runs    map[string]*storage.RunRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*types.MappingEntry),
		runs:    make(map[string]*storage.RunRecord),
	}
}

// Get implements storage.MappingStore.
func (s *Store) Get(_ context.Context, sourceID string) (*types.MappingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

// Put implements storage.MappingStore.
func (s *Store) Put(_ context.Context, e *types.MappingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SourceID] = e.Clone()
	return nil
}

// List implements storage.MappingStore.
func (s *Store) List(context.Context) ([]*types.MappingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.MappingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// PutRun implements storage.MappingStore.
func (s *Store) PutRun(_ context.Context, r *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.runs[r.RunID] = &c
	return nil
}

// Runs implements storage.MappingStore.
func (s *Store) Runs(_ context.Context, limit int) ([]*storage.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements storage.MappingStore.
func (s *Store) Close() error { return nil }

var _ storage.MappingStore = (*Store)(nil)
