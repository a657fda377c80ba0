// Package storage defines the persistent traceability table that maps
// source items to the target items created for them.
//
// Implementations live in the memory and sqlstore sub-packages; the factory
// sub-package opens one from a DSN.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/wimigrate/internal/types"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord summarizes one migration run.
type RunRecord struct {
	RunID      string                  `json:"run_id" yaml:"run_id"`
	Scope      string                  `json:"scope" yaml:"scope"`
	StartedAt  time.Time               `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitzero" yaml:"finished_at,omitempty"` // Zero while the run is in flight
	State      string                  `json:"state" yaml:"state"`
	Progress   types.MigrationProgress `json:"progress" yaml:"progress"`
}

// MappingStore persists mapping entries across runs. Entries are written
// through as soon as an item is upserted so a crashed run can resume
// without creating duplicates.
type MappingStore interface {
	// Get returns the entry for sourceID or ErrNotFound.
	Get(ctx context.Context, sourceID string) (*types.MappingEntry, error)

	// Put inserts or replaces the entry for e.SourceID.
	Put(ctx context.Context, e *types.MappingEntry) error

	// List returns all entries ordered by source ID.
	List(ctx context.Context) ([]*types.MappingEntry, error)

	// PutRun inserts or replaces a run summary.
	PutRun(ctx context.Context, r *RunRecord) error

	// Runs returns the most recent runs, newest first. limit <= 0 means all.
	Runs(ctx context.Context, limit int) ([]*RunRecord, error)

	Close() error
}
