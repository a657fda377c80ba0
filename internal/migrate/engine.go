// Package migrate drives a migration run: it expands a scope into a
// dependency closure, upserts item bodies wave by wave, wires parent and
// test-case links once every body exists, and copies comments and
// attachments. Runs can be paused, resumed and cancelled from any goroutine.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/wimigrate/internal/audit"
	"github.com/steveyegge/wimigrate/internal/graph"
	"github.com/steveyegge/wimigrate/internal/mapping"
	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/telemetry"
	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

const scopeName = "github.com/steveyegge/wimigrate/migrate"

// DefaultConcurrency is the wave worker pool size.
const DefaultConcurrency = 4

// Options configures one run.
type Options struct {
	// EnableDifferencePatch copies new comments and attachments onto items
	// that already existed. Newly created items always get their content.
	EnableDifferencePatch bool

	Concurrency   int  // Items of one wave in flight at once (default DefaultConcurrency)
	DryRun        bool // Prefix status lines; the caller supplies a non-writing target
	WorkflowSteps WorkflowSteps
	GraphOptions  graph.Options
}

// ItemFailure is one item that did not make it, with the phase it failed in.
type ItemFailure struct {
	SourceID string
	Phase    string
	Err      error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.SourceID, f.Phase, f.Err)
}

// Result summarizes a finished run.
type Result struct {
	RunID    string
	State    types.ControlState
	Progress types.MigrationProgress
	Warnings []string
	Failures []ItemFailure
	Entries  []*types.MappingEntry // Mapping rows touched by this run, by source ID
	Audit    []audit.Entry
}

// Engine runs migrations from one source into one target. An Engine runs
// one migration at a time but can be started again once a run finishes.
type Engine struct {
	src    tracker.Source
	tgt    tracker.Target
	mapper *mapping.Engine
	store  storage.MappingStore

	logger *slog.Logger
	retry  tracker.RetryPolicy
	audit  *audit.Log
	now    func() time.Time
	newID  func() string

	ctl *controller

	obsMu     sync.Mutex
	observers []Observer
	emitMu    sync.Mutex

	tracer    trace.Tracer
	itemCount metric.Int64Counter
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithRetryPolicy sets the policy applied to every connector call.
func WithRetryPolicy(p tracker.RetryPolicy) EngineOption {
	return func(e *Engine) { e.retry = p }
}

// WithAuditLog sends per-item audit entries to l.
func WithAuditLog(l *audit.Log) EngineOption {
	return func(e *Engine) { e.audit = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithRunID makes every run use id instead of a fresh UUID.
func WithRunID(id string) EngineOption {
	return func(e *Engine) { e.newID = func() string { return id } }
}

// NewEngine wires an engine. store receives every mapping row as soon as it
// changes.
func NewEngine(src tracker.Source, tgt tracker.Target, mapper *mapping.Engine, store storage.MappingStore, opts ...EngineOption) *Engine {
	e := &Engine{
		src:    src,
		tgt:    tgt,
		mapper: mapper,
		store:  store,
		logger: slog.Default(),
		retry:  tracker.DefaultRetryPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		ctl:    newController(),
		tracer: telemetry.Tracer(scopeName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.itemCount, _ = telemetry.Meter(scopeName).Int64Counter("wim.items",
		metric.WithDescription("Work items processed, by outcome"),
	)
	return e
}

// Subscribe registers an observer for progress and status emissions.
func (e *Engine) Subscribe(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// State returns the current control state.
func (e *Engine) State() types.ControlState {
	return e.ctl.load()
}

// Pause asks a running migration to stop dispatching items. Items already
// in flight complete.
func (e *Engine) Pause() error {
	if err := e.ctl.pause(); err != nil {
		return fmt.Errorf("pause from %s: %w", e.State(), err)
	}
	e.status("paused")
	return nil
}

// Resume continues a paused migration.
func (e *Engine) Resume() error {
	if err := e.ctl.resume(); err != nil {
		return fmt.Errorf("resume from %s: %w", e.State(), err)
	}
	e.status("resumed")
	return nil
}

// Cancel asks the migration to stop at the next item boundary. Cancelling
// twice is not an error.
func (e *Engine) Cancel() error {
	if err := e.ctl.cancel(); err != nil {
		return fmt.Errorf("cancel from %s: %w", e.State(), err)
	}
	e.status("cancel requested")
	return nil
}

// Start runs a migration of scope to completion, cancellation or failure.
// It returns ErrAlreadyRunning without side effects if a run is in flight.
// Once the run has begun a Result is always returned; the error is nil for
// a completed run, wraps ErrCancelled for a cancelled one and carries the
// cause for a failed one.
func (e *Engine) Start(ctx context.Context, scope types.Scope, opts Options) (*Result, error) {
	if err := e.ctl.begin(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	r := newRun(e, scope, opts)
	ctx, span := e.tracer.Start(ctx, "migrate.run", trace.WithAttributes(
		attribute.String("wim.run_id", r.id),
		attribute.String("wim.scope", scope.String()),
	))
	defer span.End()

	res, err := r.execute(ctx)
	span.SetAttributes(
		attribute.String("wim.state", res.State.String()),
		attribute.Int("wim.processed", res.Progress.Processed),
		attribute.Int("wim.failed", res.Progress.Failed),
	)
	if err != nil && !errors.Is(err, ErrCancelled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) snapshotObservers() []Observer {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	return append([]Observer(nil), e.observers...)
}

// progress takes the snapshot under the emission lock so observers never
// see counters go backwards.
func (e *Engine) progress(snapshot func() types.MigrationProgress) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	p := snapshot()
	for _, o := range e.snapshotObservers() {
		o.OnProgress(p)
	}
}

func (e *Engine) status(line string) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	for _, o := range e.snapshotObservers() {
		o.OnStatus(line)
	}
}

func (e *Engine) countItem(ctx context.Context, outcome types.Outcome) {
	if e.itemCount == nil {
		return
	}
	e.itemCount.Add(ctx, 1, metric.WithAttributes(attribute.String("wim.outcome", string(outcome))))
}
