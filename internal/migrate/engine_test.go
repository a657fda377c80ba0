package migrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/wimigrate/internal/mapping"
	storemem "github.com/steveyegge/wimigrate/internal/storage/memory"
	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/tracker/memory"
	"github.com/steveyegge/wimigrate/internal/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testMapping() *mapping.Config {
	title := mapping.FieldRule{Source: "Name", Target: "System.Title", Kind: mapping.KindDirect, Required: true}
	return &mapping.Config{
		DefaultAssignee: "bot@example.com",
		Types: []mapping.TypeRule{
			{SourceType: "PortfolioItem/Epic", TargetType: "Epic", Fields: []mapping.FieldRule{title}},
			{SourceType: "PortfolioItem/Feature", TargetType: "Feature", Fields: []mapping.FieldRule{title}},
			{SourceType: "HierarchicalRequirement", TargetType: "User Story", Fields: []mapping.FieldRule{
				title,
				{Source: "ScheduleState", Target: tracker.StateField, Kind: mapping.KindEnum,
					Values: map[string]string{"Defined": "New", "In-Progress": "Active", "Accepted": "Closed"}},
			}},
			{SourceType: "TestCase", TargetType: "Test Case", Fields: []mapping.FieldRule{title}},
		},
	}
}

type harness struct {
	src   *memory.Source
	tgt   *memory.Target
	store *storemem.Store
	eng   *Engine
}

func newHarness(t *testing.T, records ...*types.WorkItemRecord) *harness {
	t.Helper()
	h := &harness{
		src:   memory.NewSource(records...),
		tgt:   memory.NewTarget(),
		store: storemem.New(),
	}
	h.eng = h.newEngine(t)
	return h
}

func (h *harness) newEngine(t *testing.T) *Engine {
	t.Helper()
	mapper, err := mapping.New(testMapping(), h.tgt)
	require.NoError(t, err)
	return NewEngine(h.src, h.tgt, mapper, h.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(tracker.NoRetry()),
	)
}

func rec(id, typ, parent string, testCases ...string) *types.WorkItemRecord {
	r := &types.WorkItemRecord{
		SourceID:  id,
		Type:      typ,
		Title:     "Item " + id,
		ParentID:  parent,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	r.SetTestCases(testCases)
	return r
}

func storyScenario() []*types.WorkItemRecord {
	return []*types.WorkItemRecord{
		rec("F1", "PortfolioItem/Feature", ""),
		rec("S1", "HierarchicalRequirement", "F1", "T1"),
		rec("T1", "TestCase", ""),
	}
}

func targetID(t *testing.T, tgt *memory.Target, sourceID string) string {
	t.Helper()
	item, ok := tgt.ItemBySource(sourceID)
	require.True(t, ok, "no target item for %s", sourceID)
	return item.ID
}

func TestStoryWithFeatureAndTestCase(t *testing.T) {
	h := newHarness(t, storyScenario()...)

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, types.StateCompleted, h.eng.State())
	assert.Equal(t, 3, res.Progress.Total)
	assert.Equal(t, 3, res.Progress.Processed)
	assert.Equal(t, 3, res.Progress.Created)
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Entries, 3)

	stored, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	s1, _ := h.tgt.ItemBySource("S1")
	assert.Equal(t, targetID(t, h.tgt, "F1"), s1.ParentID)
	assert.Equal(t, []string{targetID(t, h.tgt, "T1")}, s1.TestCases)
	assert.Len(t, h.tgt.CallsFor("SetParent"), 1)
	assert.Len(t, h.tgt.CallsFor("LinkTestCase"), 1)

	// F1 and T1 share the first wave; S1 follows.
	var s1Create int64
	for _, c := range h.tgt.CallsFor("CreateItem") {
		if c.SourceID == "S1" {
			s1Create = c.Seq
		}
	}
	for _, c := range h.tgt.CallsFor("CreateItem") {
		if c.SourceID != "S1" {
			assert.Less(t, c.Seq, s1Create, "%s created after S1", c.SourceID)
		}
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, storyScenario()...)
	ctx := context.Background()

	_, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	h.tgt.ResetCalls()

	res, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, h.tgt.Len())
	assert.Zero(t, res.Progress.Created)
	assert.Equal(t, 3, res.Progress.Updated+res.Progress.Skipped)
	assert.Empty(t, h.tgt.CallsFor("CreateItem"))

	s1, _ := h.tgt.ItemBySource("S1")
	assert.Equal(t, targetID(t, h.tgt, "F1"), s1.ParentID)
	assert.Len(t, s1.TestCases, 1)
}

func TestRerunUpdatesChangedItems(t *testing.T) {
	h := newHarness(t, storyScenario()...)
	ctx := context.Background()

	_, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)

	changed := rec("S1", "HierarchicalRequirement", "F1", "T1")
	changed.Title = "Renamed"
	h.src.Put(changed)

	res, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.Updated)
	assert.Equal(t, 2, res.Progress.Skipped)

	s1, _ := h.tgt.ItemBySource("S1")
	assert.Equal(t, "Renamed", s1.Fields["System.Title"])

	var diffs []mapping.FieldDiff
	for _, a := range res.Audit {
		if a.SourceID == "S1" {
			diffs = a.Diffs
		}
	}
	require.Len(t, diffs, 1)
	assert.Equal(t, "System.Title", diffs[0].Field)
}

func TestClosureThreeLevels(t *testing.T) {
	h := newHarness(t,
		rec("E1", "PortfolioItem/Epic", ""),
		rec("F1", "PortfolioItem/Feature", "E1"),
		rec("S1", "HierarchicalRequirement", "F1"),
	)

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Progress.Created)

	f1, _ := h.tgt.ItemBySource("F1")
	s1, _ := h.tgt.ItemBySource("S1")
	assert.Equal(t, targetID(t, h.tgt, "E1"), f1.ParentID)
	assert.Equal(t, f1.ID, s1.ParentID)
}

func TestWaveOrderingInCallTrace(t *testing.T) {
	records := []*types.WorkItemRecord{rec("E1", "PortfolioItem/Epic", "")}
	for _, f := range []string{"F1", "F2"} {
		records = append(records, rec(f, "PortfolioItem/Feature", "E1"))
		for _, s := range []string{"a", "b", "c"} {
			records = append(records, rec("S"+f+s, "HierarchicalRequirement", f))
		}
	}
	h := newHarness(t, records...)
	h.tgt.Latency = time.Millisecond

	var ids []string
	for _, r := range records {
		ids = append(ids, r.SourceID)
	}
	_, err := h.eng.Start(context.Background(), types.IDs(ids...), Options{Concurrency: 4})
	require.NoError(t, err)

	created := make(map[string]int64)
	for _, c := range h.tgt.CallsFor("CreateItem") {
		created[c.SourceID] = c.Seq
	}
	for _, r := range records {
		if r.ParentID == "" {
			continue
		}
		assert.Less(t, created[r.ParentID], created[r.SourceID], "%s created before its parent %s", r.SourceID, r.ParentID)
	}
}

func manyStories(n int) []*types.WorkItemRecord {
	out := []*types.WorkItemRecord{rec("F1", "PortfolioItem/Feature", "")}
	for i := 0; i < n; i++ {
		out = append(out, rec("S"+string(rune('a'+i)), "HierarchicalRequirement", "F1"))
	}
	return out
}

func TestPauseResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	scope := types.AllItems(nil)

	baseline := newHarness(t, manyStories(12)...)
	want, err := baseline.eng.Start(ctx, scope, Options{Concurrency: 2})
	require.NoError(t, err)

	h := newHarness(t, manyStories(12)...)
	h.tgt.Latency = 2 * time.Millisecond
	var paused atomic.Bool
	h.tgt.OnCall = func(c memory.Call) {
		if c.Op == "CreateItem" && c.SourceID == "Sc" && paused.CompareAndSwap(false, true) {
			assert.NoError(t, h.eng.Pause())
		}
	}

	done := make(chan *Result, 1)
	go func() {
		res, err := h.eng.Start(ctx, scope, Options{Concurrency: 2})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return h.eng.State() == types.StatePaused }, 5*time.Second, time.Millisecond)

	// In-flight items finish; nothing new is dispatched while paused.
	time.Sleep(30 * time.Millisecond)
	settled := len(h.tgt.CallsFor("CreateItem"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, len(h.tgt.CallsFor("CreateItem")))
	assert.ErrorIs(t, h.eng.Pause(), ErrInvalidTransition)

	require.NoError(t, h.eng.Resume())
	got := <-done

	assert.Equal(t, types.StateCompleted, got.State)
	assert.Equal(t, want.Progress, got.Progress)
	assert.Equal(t, baseline.tgt.Len(), h.tgt.Len())
}

func TestCancelLeavesOnlyCompleteItems(t *testing.T) {
	h := newHarness(t, manyStories(15)...)
	h.tgt.Latency = time.Millisecond
	var creates atomic.Int32
	h.tgt.OnCall = func(c memory.Call) {
		if c.Op == "CreateItem" && creates.Add(1) == 4 {
			assert.NoError(t, h.eng.Cancel())
		}
	}

	res, err := h.eng.Start(context.Background(), types.AllItems(nil), Options{Concurrency: 1})
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, types.StateCancelled, res.State)
	assert.Less(t, res.Progress.Processed, res.Progress.Total)
	assert.LessOrEqual(t, res.Progress.Processed, res.Progress.Total)
	assert.Equal(t, 4, h.tgt.Len())

	stored, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, h.tgt.Len())
	for _, e := range stored {
		item, ok := h.tgt.ItemBySource(e.SourceID)
		require.True(t, ok)
		assert.NotEmpty(t, item.Fields["System.Title"], "item %s missing its title", e.SourceID)
	}

	runs, err := h.store.Runs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Cancelled", runs[0].State)
}

func TestContentCopyAndDifferencePatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rec("S1", "HierarchicalRequirement", ""))
	h.src.AddComment("S1", types.Comment{ID: "c1", Text: "first", CreatedAt: t0})
	h.src.AddAttachment("S1", types.Attachment{ID: "a1", Name: "log.txt"}, []byte("hello"))

	// Created items always get their content.
	_, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	s1, _ := h.tgt.ItemBySource("S1")
	require.Len(t, s1.Comments, 1)
	require.Len(t, s1.Attachments, 1)

	entry, err := h.store.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.CommentCount)
	assert.Equal(t, 1, entry.AttachmentCount)

	// Nothing new: no content calls.
	h.tgt.ResetCalls()
	_, err = h.eng.Start(ctx, types.IDs("S1"), Options{EnableDifferencePatch: true})
	require.NoError(t, err)
	assert.Empty(t, h.tgt.CallsFor("AddComment"))
	assert.Empty(t, h.tgt.CallsFor("AddAttachment"))

	// One new comment: exactly one appended after the first.
	h.src.AddComment("S1", types.Comment{ID: "c2", Text: "second", CreatedAt: t0.Add(time.Hour)})
	h.tgt.ResetCalls()
	_, err = h.eng.Start(ctx, types.IDs("S1"), Options{EnableDifferencePatch: true})
	require.NoError(t, err)
	assert.Len(t, h.tgt.CallsFor("AddComment"), 1)

	s1, _ = h.tgt.ItemBySource("S1")
	require.Len(t, s1.Comments, 2)
	assert.Equal(t, "first", s1.Comments[0].Text)
	assert.Equal(t, "second", s1.Comments[1].Text)
}

func TestDifferencePatchDisabledSkipsExistingItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rec("S1", "HierarchicalRequirement", ""))
	_, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)

	h.src.AddComment("S1", types.Comment{ID: "c1", Text: "late", CreatedAt: t0})
	h.tgt.ResetCalls()
	_, err = h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Empty(t, h.tgt.CallsFor("AddComment"))
}

func TestCountsSeededFromTargetWithoutJournal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rec("S1", "HierarchicalRequirement", ""))
	for i, text := range []string{"one", "two", "three"} {
		h.src.AddComment("S1", types.Comment{ID: string(rune('a' + i)), Text: text, CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	// Created by an earlier run whose journal was lost; two comments copied.
	h.tgt.Seed(memory.Item{
		Type:     "User Story",
		SourceID: "S1",
		Fields:   map[string]any{"System.Title": "Item S1"},
		Comments: []memory.StoredComment{
			{Marker: tracker.CommentMarker("S1", "a"), Text: "one"},
			{Marker: tracker.CommentMarker("S1", "b"), Text: "two"},
		},
	})

	res, err := h.eng.Start(ctx, types.IDs("S1"), Options{EnableDifferencePatch: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.Skipped)

	calls := h.tgt.CallsFor("AddComment")
	require.Len(t, calls, 1)
	assert.Equal(t, tracker.CommentMarker("S1", "c"), calls[0].Detail)
}

func TestAuthErrorFailsRun(t *testing.T) {
	h := newHarness(t, storyScenario()...)
	h.tgt.FailNext("CreateItem", tracker.AuthError("CreateItem", errors.New("401 Unauthorized")))

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{Concurrency: 1})
	require.Error(t, err)
	assert.True(t, tracker.IsAuth(err))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, types.StateFailed, h.eng.State())
	assert.Equal(t, 1, res.Progress.Failed)
	assert.Less(t, res.Progress.Processed, res.Progress.Total)
	assert.Empty(t, h.tgt.CallsFor("SetParent"))
}

func TestItemFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t, storyScenario()...)
	h.tgt.FailNext("CreateItem:T1", memory.ErrInjected)

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, 2, res.Progress.Created)
	assert.Equal(t, 1, res.Progress.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "T1", res.Failures[0].SourceID)
	assert.ErrorIs(t, res.Failures[0].Err, memory.ErrInjected)

	var warned bool
	for _, w := range res.Warnings {
		warned = warned || strings.Contains(w, "T1 was not migrated")
	}
	assert.True(t, warned, "warnings: %v", res.Warnings)
	assert.Len(t, h.tgt.CallsFor("SetParent"), 1)
}

func TestParentCycleIsNotReproduced(t *testing.T) {
	h := newHarness(t,
		rec("E1", "PortfolioItem/Epic", "F1"),
		rec("F1", "PortfolioItem/Feature", "E1"),
	)

	res, err := h.eng.Start(context.Background(), types.IDs("F1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, 2, res.Progress.Created)
	assert.Empty(t, res.Failures)

	require.Len(t, h.tgt.CallsFor("SetParent"), 1)
	e1, _ := h.tgt.ItemBySource("E1")
	f1, _ := h.tgt.ItemBySource("F1")
	assert.Empty(t, e1.ParentID, "broken edge E1 -> F1 must not be written")
	assert.Equal(t, e1.ID, f1.ParentID)

	var warned bool
	for _, w := range res.Warnings {
		warned = warned || strings.Contains(w, "E1: parent F1 closes a parent cycle")
	}
	assert.True(t, warned, "warnings: %v", res.Warnings)
}

func TestLinkAndContentFailuresAreCounted(t *testing.T) {
	h := newHarness(t, storyScenario()...)
	h.src.AddComment("S1", types.Comment{ID: "c1", Text: "first", CreatedAt: t0})
	h.tgt.FailNext("SetParent", memory.ErrInjected)
	h.tgt.FailNext("AddComment", memory.ErrInjected)

	var mu sync.Mutex
	var last types.MigrationProgress
	h.eng.Subscribe(ObserverFuncs{Progress: func(p types.MigrationProgress) {
		mu.Lock()
		last = p
		mu.Unlock()
	}})

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	assert.Zero(t, res.Progress.Failed)
	assert.Equal(t, 1, res.Progress.LinksFailed)
	assert.Equal(t, 1, res.Progress.ContentFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, last.LinksFailed)
	assert.Equal(t, 1, last.ContentFailed)
}

func TestValidationFailureIsReported(t *testing.T) {
	untitled := rec("S1", "HierarchicalRequirement", "")
	untitled.Title = ""
	h := newHarness(t, untitled)

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, tracker.IsValidation(res.Failures[0].Err))
	assert.Zero(t, h.tgt.Len())
}

func adoStoryWorkflow(tgt *memory.Target, extra map[string][]string) {
	allowed := map[string][]string{
		"New":      {"Active"},
		"Active":   {"Resolved"},
		"Resolved": {"Closed"},
	}
	for from, to := range extra {
		allowed[from] = append(allowed[from], to...)
	}
	tgt.SetWorkflow("User Story", []tracker.WorkflowState{
		{Name: "New", Category: tracker.CategoryProposed},
		{Name: "Active", Category: tracker.CategoryInProgress},
		{Name: "Resolved", Category: tracker.CategoryResolved},
		{Name: "Closed", Category: tracker.CategoryCompleted},
		{Name: "Removed", Category: tracker.CategoryRemoved},
	}, allowed)
}

func accepted(id string) *types.WorkItemRecord {
	r := rec(id, "HierarchicalRequirement", "")
	r.Fields = map[string]any{"ScheduleState": "Accepted"}
	return r
}

func updateDetails(tgt *memory.Target) []string {
	var out []string
	for _, c := range tgt.CallsFor("UpdateItem") {
		out = append(out, c.Detail)
	}
	return out
}

func TestWorkflowSteppingInferredFromCategories(t *testing.T) {
	h := newHarness(t, accepted("S1"))
	adoStoryWorkflow(h.tgt, nil)

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.Created)

	s1, _ := h.tgt.ItemBySource("S1")
	assert.Equal(t, "Closed", s1.Fields[tracker.StateField])
	assert.Equal(t, []string{"Active", "Resolved", "Closed"}, updateDetails(h.tgt))
}

func TestWorkflowSteppingUsesConfiguredPath(t *testing.T) {
	h := newHarness(t, accepted("S1"))
	adoStoryWorkflow(h.tgt, map[string][]string{"Active": {"Closed"}})

	steps := WorkflowSteps{"user story": {"Closed": {"Active", "Closed"}}}
	_, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{WorkflowSteps: steps})
	require.NoError(t, err)

	assert.Equal(t, []string{"Active", "Closed"}, updateDetails(h.tgt))
}

func TestWorkflowSteppingFailureMarksItemFailed(t *testing.T) {
	h := newHarness(t, accepted("S1"))
	adoStoryWorkflow(h.tgt, nil)
	h.tgt.SetWorkflow("User Story", []tracker.WorkflowState{
		{Name: "New", Category: tracker.CategoryProposed},
		{Name: "Closed", Category: tracker.CategoryCompleted},
	}, map[string][]string{})

	res, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, tracker.IsWorkflowTransition(res.Failures[0].Err))

	entry, err := h.store.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, entry.Outcome)
	assert.NotEmpty(t, entry.TargetID)
}

func TestContentCopiedAfterFailedCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, accepted("S1"))
	h.src.AddComment("S1", types.Comment{ID: "c1", Text: "first", CreatedAt: t0})
	h.tgt.SetWorkflow("User Story", []tracker.WorkflowState{
		{Name: "New", Category: tracker.CategoryProposed},
		{Name: "Closed", Category: tracker.CategoryCompleted},
	}, map[string][]string{})

	res, err := h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Empty(t, h.tgt.CallsFor("AddComment"))

	// The item exists now; a later run without difference patching still
	// owes it the content the failed run never copied.
	adoStoryWorkflow(h.tgt, nil)
	h.tgt.ResetCalls()
	res, err = h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Progress.Updated)
	assert.Len(t, h.tgt.CallsFor("AddComment"), 1)

	entry, err := h.store.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.CommentCount)

	// Once copied, it is not owed again.
	h.src.AddComment("S1", types.Comment{ID: "c2", Text: "late", CreatedAt: t0.Add(time.Hour)})
	h.tgt.ResetCalls()
	_, err = h.eng.Start(ctx, types.IDs("S1"), Options{})
	require.NoError(t, err)
	assert.Empty(t, h.tgt.CallsFor("AddComment"))
}

func TestControlRequestsOutsideRun(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, types.StateIdle, h.eng.State())
	assert.ErrorIs(t, h.eng.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, h.eng.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, h.eng.Cancel(), ErrInvalidTransition)
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, manyStories(5)...)
	h.tgt.Latency = 5 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.eng.Start(context.Background(), types.AllItems(nil), Options{Concurrency: 1})
	}()

	require.Eventually(t, func() bool { return h.eng.State() == types.StateRunning }, 5*time.Second, time.Millisecond)
	_, err := h.eng.Start(context.Background(), types.AllItems(nil), Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.eng.Cancel())
	require.NoError(t, h.eng.Cancel())
	wg.Wait()
	assert.Equal(t, types.StateCancelled, h.eng.State())
}

func TestContextCancellationEndsRun(t *testing.T) {
	h := newHarness(t, manyStories(5)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.eng.Start(ctx, types.AllItems(nil), Options{})
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StateCancelled, res.State)
	assert.Zero(t, h.tgt.Len())
}

func TestObserversSeeOrderedEmissions(t *testing.T) {
	h := newHarness(t, manyStories(6)...)
	obs := NewChannelObserver()
	h.eng.Subscribe(obs)

	var statuses []string
	h.eng.Subscribe(ObserverFuncs{Status: func(s string) { statuses = append(statuses, s) }})

	_, err := h.eng.Start(context.Background(), types.AllItems(nil), Options{Concurrency: 3})
	require.NoError(t, err)
	obs.Close()

	var last types.MigrationProgress
	var progressEvents int
	for ev := range obs.C() {
		if ev.Kind != EventProgress {
			continue
		}
		progressEvents++
		assert.GreaterOrEqual(t, ev.Progress.Processed, last.Processed)
		last = ev.Progress
	}
	assert.Greater(t, progressEvents, 7)
	assert.Equal(t, types.PhaseDone, last.Phase)
	assert.Equal(t, 7, last.Processed)

	assert.Contains(t, statuses, "phase: bodies")
	assert.Contains(t, statuses, "phase: relationships")
}

func TestDryRunPrefixesStatus(t *testing.T) {
	h := newHarness(t, rec("S1", "HierarchicalRequirement", ""))
	var lines []string
	h.eng.Subscribe(ObserverFuncs{Status: func(s string) { lines = append(lines, s) }})

	_, err := h.eng.Start(context.Background(), types.IDs("S1"), Options{DryRun: true})
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "[dry-run] "), l)
	}
}
