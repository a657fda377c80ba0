package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/wimigrate/internal/audit"
	"github.com/steveyegge/wimigrate/internal/diffpatch"
	"github.com/steveyegge/wimigrate/internal/graph"
	"github.com/steveyegge/wimigrate/internal/mapping"
	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// run is the state of one Start call.
type run struct {
	e         *Engine
	id        string
	scope     types.Scope
	opts      Options
	retry     tracker.RetryPolicy
	log       *slog.Logger
	auditLog  *audit.Log
	startedAt time.Time
	plan      *graph.Plan
	workflows workflowCache

	mu          sync.Mutex
	prog        types.MigrationProgress
	entries     map[string]*types.MappingEntry // ID map, written through to the store
	owed        map[string]bool                // Items created by an earlier run that never got content
	warnings    []string
	failures    []ItemFailure
	fatal       error
	interrupted bool
}

// storeError marks a mapping store failure. The run cannot continue without
// its journal.
type storeError struct{ err error }

func (e *storeError) Error() string { return "mapping store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func newRun(e *Engine, scope types.Scope, opts Options) *run {
	id := e.newID()
	r := &run{
		e:         e,
		id:        id,
		scope:     scope,
		opts:      opts,
		retry:     e.retry,
		log:       e.logger.With("run_id", id),
		auditLog:  e.audit,
		startedAt: e.now(),
		entries:   make(map[string]*types.MappingEntry),
		owed:      make(map[string]bool),
		prog:      types.MigrationProgress{Phase: types.PhaseIdle},
	}
	if r.auditLog == nil {
		r.auditLog = audit.NewLog(nil, id)
	}
	return r
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.log.Info("migration started", "scope", r.scope.String(), "concurrency", r.opts.Concurrency)
	r.status("run %s started: %s", r.id, r.scope)
	if err := r.putRun(ctx, types.StateRunning); err != nil {
		r.fail(err)
	}

	if r.proceed(ctx) {
		if err := r.discover(ctx); err != nil {
			r.fail(err)
		}
	}
	if r.proceed(ctx) {
		r.bodies(ctx)
	}
	if r.proceed(ctx) {
		r.relationships(ctx)
	}
	if r.proceed(ctx) {
		r.content(ctx)
	}
	return r.finish(ctx)
}

// proceed is the suspension point checked before every item and at every
// phase and wave boundary. It blocks while paused and reports whether work
// may continue.
func (r *run) proceed(ctx context.Context) bool {
	if r.fatalErr() != nil {
		return false
	}
	s := r.e.ctl.wait(ctx)
	if ctx.Err() != nil || s == types.StateCancelRequested {
		r.mu.Lock()
		r.interrupted = true
		r.mu.Unlock()
		return false
	}
	return s == types.StateRunning
}

func (r *run) finish(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	fatal, interrupted := r.fatal, r.interrupted
	r.mu.Unlock()

	state := types.StateCompleted
	var err error
	switch {
	case fatal != nil:
		state = types.StateFailed
		err = fatal
	case interrupted:
		state = types.StateCancelled
		err = ErrCancelled
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}

	r.mu.Lock()
	r.prog.Phase = types.PhaseDone
	r.mu.Unlock()
	r.e.ctl.set(state)
	r.emit()

	p := r.snapshot()
	if fatal != nil {
		r.log.Error("migration failed", "error", fatal, "processed", p.Processed, "total", p.Total)
		r.status("run failed: %v", fatal)
	} else {
		r.log.Info("migration finished", "state", state.String(), "processed", p.Processed, "total", p.Total)
		r.status("run %s: %s", state, p)
	}

	if perr := r.putRun(context.WithoutCancel(ctx), state); perr != nil {
		r.log.Warn("could not record run", "error", perr)
	}

	return r.result(state), err
}

func (r *run) result(state types.ControlState) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{
		RunID:    r.id,
		State:    state,
		Progress: r.prog,
		Warnings: append([]string(nil), r.warnings...),
		Failures: append([]ItemFailure(nil), r.failures...),
	}
	for _, e := range r.entries {
		res.Entries = append(res.Entries, e.Clone())
	}
	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].SourceID < res.Entries[j].SourceID })
	for _, a := range r.auditLog.Entries() {
		if a.RunID == r.id {
			res.Audit = append(res.Audit, a)
		}
	}
	return res
}

// discover builds the dependency closure and counts items that could not
// be fetched as failed.
func (r *run) discover(ctx context.Context) error {
	r.setPhase(types.PhaseDiscovery)

	gopts := r.opts.GraphOptions
	if gopts.Logger == nil {
		gopts.Logger = r.log
	}
	if gopts.Retry.MaxAttempts == 0 {
		gopts.Retry = r.retry
	}
	plan, err := graph.NewBuilder(r.e.src, gopts).Build(ctx, r.scope)
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}
	r.plan = plan

	failed := make([]string, 0, len(plan.Failed))
	for id := range plan.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)

	r.mu.Lock()
	r.prog.Total = plan.Len() + len(plan.Failed)
	r.warnings = append(r.warnings, plan.Warnings...)
	r.mu.Unlock()

	for _, w := range plan.Warnings {
		r.log.Warn(w)
	}
	for _, id := range failed {
		ferr := plan.Failed[id]
		r.appendAudit(&audit.Entry{SourceID: id, Outcome: string(types.OutcomeFailed), Error: ferr.Error()})
		r.mu.Lock()
		r.prog.Processed++
		r.prog.Failed++
		r.failures = append(r.failures, ItemFailure{SourceID: id, Phase: types.PhaseDiscovery, Err: ferr})
		r.mu.Unlock()
		r.e.countItem(ctx, types.OutcomeFailed)
		r.status("could not fetch %s: %v", id, ferr)
	}

	r.status("discovered %d items in %d waves", plan.Len(), len(plan.Waves))
	r.emit()
	return nil
}

// bodies creates or updates every item, one wave at a time.
func (r *run) bodies(ctx context.Context) {
	r.setPhase(types.PhaseBodies)

	for i, wave := range r.plan.Waves {
		if !r.proceed(ctx) {
			return
		}
		r.log.Debug("wave started", "wave", i, "items", len(wave))
		r.status("wave %d/%d: %d items", i+1, len(r.plan.Waves), len(wave))

		var g errgroup.Group
		g.SetLimit(r.opts.Concurrency)
		for _, id := range wave {
			rec := r.plan.Records[id]
			g.Go(func() error {
				if !r.proceed(ctx) {
					return nil
				}
				r.migrateItem(ctx, rec, i)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (r *run) migrateItem(ctx context.Context, rec *types.WorkItemRecord, wave int) {
	entry, mapped, diffs, err := r.upsert(ctx, rec)

	outcome := types.OutcomeFailed
	if err == nil {
		outcome = entry.Outcome
	}
	ae := &audit.Entry{Kind: audit.KindItem, SourceID: rec.SourceID, Outcome: string(outcome), Diffs: diffs}
	if entry != nil {
		ae.TargetID = entry.TargetID
	}
	if mapped != nil {
		ae.Unmapped, ae.Review, ae.Warnings = mapped.Unmapped, mapped.Review, mapped.Warnings
	}
	if err != nil {
		ae.Error = err.Error()
	}
	r.appendAudit(ae)

	r.mu.Lock()
	r.prog.Processed++
	switch outcome {
	case types.OutcomeCreated:
		r.prog.Successful++
		r.prog.Created++
	case types.OutcomeUpdated:
		r.prog.Successful++
		r.prog.Updated++
	case types.OutcomeSkipped:
		r.prog.Skipped++
	default:
		r.prog.Failed++
		r.failures = append(r.failures, ItemFailure{SourceID: rec.SourceID, Phase: types.PhaseBodies, Err: err})
	}
	r.mu.Unlock()
	r.e.countItem(ctx, outcome)

	log := r.log.With("source_id", rec.SourceID, "wave", wave)
	switch {
	case err != nil:
		log.Warn("item failed", "error", err)
		r.status("failed %s: %v", rec.SourceID, err)
		if isFatal(err) {
			r.fail(err)
		}
	case outcome == types.OutcomeSkipped:
		log.Debug("item unchanged", "target_id", entry.TargetID)
		r.status("skipped %s (unchanged)", rec.SourceID)
	default:
		log.Debug("item written", "target_id", entry.TargetID, "outcome", string(outcome))
		r.status("%s %s -> %s", strings.ToLower(string(outcome)), rec.SourceID, entry.TargetID)
	}
	r.emit()
}

// upsert maps rec and writes it to the target. The entry is returned
// whenever a target item exists, even if a later step failed.
func (r *run) upsert(ctx context.Context, rec *types.WorkItemRecord) (*types.MappingEntry, *mapping.Result, []mapping.FieldDiff, error) {
	mapped, err := r.e.mapper.Apply(ctx, rec)
	if err != nil {
		return nil, nil, nil, err
	}

	existing, err := r.find(ctx, rec.SourceID)
	if err != nil {
		return nil, mapped, nil, err
	}

	prior, err := r.e.store.Get(ctx, rec.SourceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapped, nil, &storeError{err}
	}

	entry := &types.MappingEntry{
		SourceID:   rec.SourceID,
		SourceType: rec.Type,
		TargetType: mapped.TargetType,
	}
	var diffs []mapping.FieldDiff
	var item *tracker.TargetItem
	var werr error

	switch {
	case existing == nil:
		entry.Outcome = types.OutcomeCreated
		item, werr = r.create(ctx, mapped.TargetType, rec.SourceID, mapped.Fields)
	case mapping.Equal(mapped.Fields, existing.Fields):
		entry.Outcome = types.OutcomeSkipped
		item = existing
	default:
		entry.Outcome = types.OutcomeUpdated
		diffs = mapping.Diff(mapped.Fields, existing.Fields)
		item, werr = r.updateFields(ctx, existing, mapped.TargetType, mapped.Fields)
	}
	if item == nil {
		return nil, mapped, diffs, werr
	}

	entry.TargetID = item.ID
	if existing != nil {
		// Content already on the target counts as copied.
		if prior != nil && prior.TargetID == existing.ID {
			entry.CommentCount, entry.AttachmentCount = prior.CommentCount, prior.AttachmentCount
			if contentOwed(prior) {
				r.mu.Lock()
				r.owed[rec.SourceID] = true
				r.mu.Unlock()
			}
		} else {
			entry.CommentCount, entry.AttachmentCount = existing.CommentCount, existing.AttachmentCount
		}
	}
	if werr != nil {
		entry.Outcome = types.OutcomeFailed
	}
	entry.LastSyncedAt = r.e.now()
	entry.RunID = r.id

	if err := r.putEntry(ctx, entry); err != nil {
		return entry, mapped, diffs, err
	}
	return entry, mapped, diffs, werr
}

// contentOwed reports whether the item behind prior never had content
// copied because its last write failed. A created item that then fails
// workflow stepping is journaled this way.
func contentOwed(prior *types.MappingEntry) bool {
	return prior.Outcome == types.OutcomeFailed && prior.CommentCount == 0 && prior.AttachmentCount == 0
}

func (r *run) find(ctx context.Context, sourceID string) (*tracker.TargetItem, error) {
	var item *tracker.TargetItem
	err := r.retry.Do(ctx, "FindBySourceTag", func(ctx context.Context) error {
		var err error
		item, err = r.e.tgt.FindBySourceTag(ctx, sourceID)
		return err
	})
	return item, err
}

// create creates the item. If the target refuses the initial state, the
// item is created in its default state and stepped to the requested one.
func (r *run) create(ctx context.Context, targetType, sourceID string, fields map[string]any) (*tracker.TargetItem, error) {
	item, err := r.createOnce(ctx, targetType, sourceID, fields)
	if err == nil || !tracker.IsWorkflowTransition(err) {
		return item, err
	}
	rest, state, ok := splitState(fields)
	if !ok {
		return nil, err
	}
	r.log.Debug("initial state rejected, stepping", "source_id", sourceID, "state", state)
	if item, err = r.createOnce(ctx, targetType, sourceID, rest); err != nil {
		return nil, err
	}
	return r.stepTo(ctx, item, targetType, state)
}

// createOnce retries creation. A retried attempt looks the item up first,
// since the previous attempt may have landed before its response was lost.
func (r *run) createOnce(ctx context.Context, targetType, sourceID string, fields map[string]any) (*tracker.TargetItem, error) {
	var item *tracker.TargetItem
	attempt := 0
	err := r.retry.Do(ctx, "CreateItem", func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			found, err := r.e.tgt.FindBySourceTag(ctx, sourceID)
			if err != nil {
				return err
			}
			if found != nil {
				item = found
				return nil
			}
		}
		var err error
		item, err = r.e.tgt.CreateItem(ctx, targetType, sourceID, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// updateFields writes fields onto existing, stepping through intermediate
// states when the direct transition is refused.
func (r *run) updateFields(ctx context.Context, existing *tracker.TargetItem, targetType string, fields map[string]any) (*tracker.TargetItem, error) {
	item, err := r.update(ctx, existing.ID, fields)
	if err == nil {
		return item, nil
	}
	if !tracker.IsWorkflowTransition(err) {
		return nil, err
	}
	rest, state, ok := splitState(fields)
	if !ok {
		return nil, err
	}
	item = existing
	if len(rest) > 0 {
		if item, err = r.update(ctx, existing.ID, rest); err != nil {
			return nil, err
		}
	}
	return r.stepTo(ctx, item, targetType, state)
}

func (r *run) update(ctx context.Context, targetID string, fields map[string]any) (*tracker.TargetItem, error) {
	var item *tracker.TargetItem
	err := r.retry.Do(ctx, "UpdateItem", func(ctx context.Context) error {
		var err error
		item, err = r.e.tgt.UpdateItem(ctx, targetID, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// relationships wires parent and test-case links once every body exists.
func (r *run) relationships(ctx context.Context) {
	r.setPhase(types.PhaseRelationships)

	order := r.plan.Order()
	total := 0
	for _, id := range order {
		rec := r.plan.Records[id]
		if rec.HasParent() {
			total++
		}
		total += len(rec.TestCaseIDs)
	}
	r.mu.Lock()
	r.prog.PhaseTotal = total
	r.mu.Unlock()

	for _, id := range order {
		if !r.proceed(ctx) {
			return
		}
		rec := r.plan.Records[id]
		from := r.entry(id)
		if rec.HasParent() {
			if parent, ok := r.plan.BrokenParents[id]; ok && parent == rec.ParentID {
				r.skipBrokenParent(rec, from)
			} else {
				r.link(ctx, "SetParent", rec, from, rec.ParentID)
			}
		}
		for _, tc := range rec.TestCaseIDs {
			if r.fatalErr() != nil {
				return
			}
			r.link(ctx, "LinkTestCase", rec, from, tc)
		}
	}
	r.status("relationships done: %d links", total)
}

func (r *run) link(ctx context.Context, op string, rec *types.WorkItemRecord, from *types.MappingEntry, toSourceID string) {
	defer r.advancePhase()

	if from == nil {
		return
	}
	toID, err := r.resolve(ctx, toSourceID)
	if err != nil {
		r.linkFailed(ctx, op, rec, toSourceID, err)
		return
	}
	if toID == "" {
		msg := fmt.Sprintf("%s: %s target %s was not migrated, link skipped", rec.SourceID, op, toSourceID)
		r.warn(msg)
		r.appendAudit(&audit.Entry{Kind: audit.KindLink, SourceID: rec.SourceID, TargetID: from.TargetID, Warnings: []string{msg}})
		return
	}

	err = r.retry.Do(ctx, op, func(ctx context.Context) error {
		if op == "SetParent" {
			return r.e.tgt.SetParent(ctx, from.TargetID, toID)
		}
		return r.e.tgt.LinkTestCase(ctx, from.TargetID, toID)
	})
	if err != nil {
		r.linkFailed(ctx, op, rec, toSourceID, err)
		return
	}
	r.log.Debug("linked", "op", op, "source_id", rec.SourceID, "target_id", from.TargetID, "to", toID)
}

// skipBrokenParent leaves out a parent edge that closes a cycle.
func (r *run) skipBrokenParent(rec *types.WorkItemRecord, from *types.MappingEntry) {
	defer r.advancePhase()

	msg := fmt.Sprintf("%s: parent %s closes a parent cycle, parent link skipped", rec.SourceID, rec.ParentID)
	r.warn(msg)
	ae := &audit.Entry{Kind: audit.KindLink, SourceID: rec.SourceID, Warnings: []string{msg}}
	if from != nil {
		ae.TargetID = from.TargetID
	}
	r.appendAudit(ae)
}

func (r *run) linkFailed(ctx context.Context, op string, rec *types.WorkItemRecord, to string, err error) {
	err = fmt.Errorf("%s %s -> %s: %w", op, rec.SourceID, to, err)
	r.log.Warn("link failed", "source_id", rec.SourceID, "error", err)
	r.appendAudit(&audit.Entry{Kind: audit.KindLink, SourceID: rec.SourceID, Error: err.Error()})
	r.mu.Lock()
	r.prog.LinksFailed++
	r.failures = append(r.failures, ItemFailure{SourceID: rec.SourceID, Phase: types.PhaseRelationships, Err: err})
	r.mu.Unlock()
	if isFatal(err) {
		r.fail(err)
	}
}

// resolve maps a source ID to its target ID: the run's ID map first, then
// the target's marker lookup for items migrated by earlier runs. Empty
// means not migrated.
func (r *run) resolve(ctx context.Context, sourceID string) (string, error) {
	if e := r.entry(sourceID); e != nil {
		return e.TargetID, nil
	}
	item, err := r.find(ctx, sourceID)
	if err != nil || item == nil {
		return "", err
	}
	return item.ID, nil
}

// content copies comments and attachments. Newly created items always get
// their content, as do items an earlier run created without copying any.
// Other existing items only with EnableDifferencePatch.
func (r *run) content(ctx context.Context) {
	r.setPhase(types.PhaseContent)

	var work []*types.MappingEntry
	for _, id := range r.plan.Order() {
		e := r.entry(id)
		if e == nil {
			continue
		}
		switch e.Outcome {
		case types.OutcomeCreated:
			work = append(work, e)
		case types.OutcomeUpdated, types.OutcomeSkipped:
			if r.opts.EnableDifferencePatch || r.isOwed(id) {
				work = append(work, e)
			}
		}
	}
	r.mu.Lock()
	r.prog.PhaseTotal = len(work)
	r.mu.Unlock()
	if len(work) == 0 {
		return
	}

	patcher := diffpatch.New(r.e.src, r.e.tgt, diffpatch.Options{
		Retry:      r.retry,
		Logger:     r.log,
		Checkpoint: r.putEntry,
	})

	for _, entry := range work {
		if !r.proceed(ctx) {
			return
		}
		rec := r.plan.Records[entry.SourceID]
		applied, err := patcher.Apply(ctx, rec, entry)
		if n := applied.Comments + applied.Attachments; n > 0 || err != nil {
			ae := &audit.Entry{Kind: audit.KindContent, SourceID: rec.SourceID, TargetID: entry.TargetID}
			ae.Warnings = []string{fmt.Sprintf("copied %d comments, %d attachments", applied.Comments, applied.Attachments)}
			if err != nil {
				ae.Error = err.Error()
			}
			r.appendAudit(ae)
		}
		if err != nil {
			r.log.Warn("content copy failed", "source_id", rec.SourceID, "error", err)
			r.status("content of %s failed: %v", rec.SourceID, err)
			r.mu.Lock()
			r.prog.ContentFailed++
			r.failures = append(r.failures, ItemFailure{SourceID: rec.SourceID, Phase: types.PhaseContent, Err: err})
			r.mu.Unlock()
			if isFatal(err) {
				r.fail(err)
			}
		} else if applied.Comments+applied.Attachments > 0 {
			r.status("%s: +%d comments, +%d attachments", rec.SourceID, applied.Comments, applied.Attachments)
		}
		r.advancePhase()
	}
}

// putEntry records e in the ID map and writes it through to the store.
func (r *run) putEntry(ctx context.Context, e *types.MappingEntry) error {
	c := e.Clone()
	r.mu.Lock()
	r.entries[c.SourceID] = c
	r.mu.Unlock()
	if err := r.e.store.Put(ctx, c); err != nil {
		return &storeError{fmt.Errorf("saving %s: %w", c.SourceID, err)}
	}
	return nil
}

func (r *run) entry(sourceID string) *types.MappingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sourceID]; ok {
		return e.Clone()
	}
	return nil
}

func (r *run) isOwed(sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owed[sourceID]
}

func (r *run) putRun(ctx context.Context, state types.ControlState) error {
	rec := &storage.RunRecord{
		RunID:     r.id,
		Scope:     r.scope.String(),
		StartedAt: r.startedAt,
		State:     state.String(),
		Progress:  r.snapshot(),
	}
	if state.IsTerminal() {
		rec.FinishedAt = r.e.now()
	}
	if err := r.e.store.PutRun(ctx, rec); err != nil {
		return &storeError{fmt.Errorf("saving run %s: %w", r.id, err)}
	}
	return nil
}

func (r *run) appendAudit(e *audit.Entry) {
	e.RunID = r.id
	if _, err := r.auditLog.Append(e); err != nil {
		r.log.Warn("audit write failed", "source_id", e.SourceID, "error", err)
	}
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) warn(msg string) {
	r.log.Warn(msg)
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
	r.status("warning: %s", msg)
}

func (r *run) setPhase(phase string) {
	r.mu.Lock()
	r.prog.Phase = phase
	r.prog.PhaseDone, r.prog.PhaseTotal = 0, 0
	r.mu.Unlock()
	r.log.Info("phase started", "phase", phase)
	r.status("phase: %s", phase)
	r.emit()
}

func (r *run) advancePhase() {
	r.mu.Lock()
	r.prog.PhaseDone++
	r.mu.Unlock()
	r.emit()
}

func (r *run) snapshot() types.MigrationProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prog
}

func (r *run) emit() {
	r.e.progress(r.snapshot)
}

func (r *run) status(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if r.opts.DryRun {
		line = "[dry-run] " + line
	}
	r.e.status(line)
}

// isFatal reports errors that end the whole run.
func isFatal(err error) bool {
	var se *storeError
	return tracker.IsAuth(err) || errors.As(err, &se)
}
