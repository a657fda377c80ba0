package memory

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

var storyStates = []tracker.WorkflowState{
	{Name: "New", Category: tracker.CategoryProposed},
	{Name: "Active", Category: tracker.CategoryInProgress},
	{Name: "Resolved", Category: tracker.CategoryResolved},
	{Name: "Closed", Category: tracker.CategoryCompleted},
}

func TestTargetWorkflowRejectsJumps(t *testing.T) {
	ctx := context.Background()
	tgt := NewTarget()
	tgt.SetWorkflow("User Story", storyStates, map[string][]string{
		"New":      {"Active"},
		"Active":   {"Resolved", "New"},
		"Resolved": {"Closed", "Active"},
	})

	if _, err := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{tracker.StateField: "Closed"}); !tracker.IsWorkflowTransition(err) {
		t.Fatalf("create in Closed: err = %v, want workflow transition", err)
	}

	item, err := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{"System.Title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if item.Fields[tracker.StateField] != "New" {
		t.Errorf("initial state = %v, want New", item.Fields[tracker.StateField])
	}

	if _, err := tgt.UpdateItem(ctx, item.ID, map[string]any{tracker.StateField: "Closed"}); !tracker.IsWorkflowTransition(err) {
		t.Errorf("New -> Closed: err = %v, want workflow transition", err)
	}
	for _, s := range []string{"Active", "Resolved", "Closed"} {
		if _, err := tgt.UpdateItem(ctx, item.ID, map[string]any{tracker.StateField: s}); err != nil {
			t.Fatalf("step to %s: %v", s, err)
		}
	}
}

func TestTargetContentMarkersAreIdempotent(t *testing.T) {
	ctx := context.Background()
	tgt := NewTarget()
	item, err := tgt.CreateItem(ctx, "Bug", "DE1", nil)
	if err != nil {
		t.Fatal(err)
	}

	c := types.Comment{ID: "1", Text: "<p>hi</p>"}
	for i := 0; i < 2; i++ {
		if err := tgt.AddComment(ctx, item.ID, c, tracker.CommentMarker("DE1", "1")); err != nil {
			t.Fatal(err)
		}
		if err := tgt.AddAttachment(ctx, item.ID, types.Attachment{ID: "9", Name: "log.txt"}, []byte("boom"), tracker.AttachmentMarker("DE1", "9")); err != nil {
			t.Fatal(err)
		}
	}

	found, err := tgt.FindBySourceTag(ctx, "DE1")
	if err != nil || found == nil {
		t.Fatalf("FindBySourceTag = %v, %v", found, err)
	}
	if found.CommentCount != 1 || found.AttachmentCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", found.CommentCount, found.AttachmentCount)
	}
}

func TestTargetFindAbsent(t *testing.T) {
	got, err := NewTarget().FindBySourceTag(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("FindBySourceTag = %v, %v; want nil, nil", got, err)
	}
}

func TestTargetFailNextByKey(t *testing.T) {
	ctx := context.Background()
	tgt := NewTarget()
	tgt.FailNext("CreateItem:US2", ErrInjected)

	if _, err := tgt.CreateItem(ctx, "User Story", "US1", nil); err != nil {
		t.Errorf("US1 should not fail: %v", err)
	}
	if _, err := tgt.CreateItem(ctx, "User Story", "US2", nil); err != ErrInjected {
		t.Errorf("US2 err = %v, want injected", err)
	}
	if _, err := tgt.CreateItem(ctx, "User Story", "US2", nil); err != nil {
		t.Errorf("US2 retry should succeed: %v", err)
	}
	if n := len(tgt.CallsFor("CreateItem")); n != 3 {
		t.Errorf("recorded %d CreateItem calls, want 3", n)
	}
}

func TestSourceListProjectSince(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	src := NewSource(
		&types.WorkItemRecord{SourceID: "US1", Type: "HierarchicalRequirement", UpdatedAt: old},
		&types.WorkItemRecord{SourceID: "US2", Type: "HierarchicalRequirement", UpdatedAt: recent},
		&types.WorkItemRecord{SourceID: "DE1", Type: "Defect", UpdatedAt: recent},
	)

	cut := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ids, err := src.ListProject(context.Background(), tracker.FetchOptions{Since: &cut})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "DE1" || ids[1] != "US2" {
		t.Errorf("ListProject = %v, want [DE1 US2]", ids)
	}
}

func TestSourceFetchReturnsCopies(t *testing.T) {
	src := NewSource(&types.WorkItemRecord{SourceID: "US1", Fields: map[string]any{"Name": "a"}})
	rec, _ := src.FetchItem(context.Background(), "US1")
	rec.Fields["Name"] = "mutated"

	again, _ := src.FetchItem(context.Background(), "US1")
	if again.Fields["Name"] != "a" {
		t.Error("FetchItem leaked internal state")
	}
	if _, err := src.FetchItem(context.Background(), "US404"); !tracker.IsNotFound(err) {
		t.Errorf("missing item err = %v", err)
	}
}
