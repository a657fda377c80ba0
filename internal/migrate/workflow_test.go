package migrate

import (
	"reflect"
	"testing"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

var bugStates = []tracker.WorkflowState{
	{Name: "New", Category: tracker.CategoryProposed},
	{Name: "Approved", Category: tracker.CategoryProposed},
	{Name: "Committed", Category: tracker.CategoryInProgress},
	{Name: "Resolved", Category: tracker.CategoryResolved},
	{Name: "Done", Category: tracker.CategoryCompleted},
	{Name: "Removed", Category: tracker.CategoryRemoved},
}

func TestInferPath(t *testing.T) {
	tests := []struct {
		name             string
		current, desired string
		want             []string
	}{
		{"proposed to completed", "New", "Done", []string{"Committed", "Resolved"}},
		{"adjacent categories", "New", "Committed", nil},
		{"same category", "New", "Approved", nil},
		{"backwards", "Done", "New", nil},
		{"unknown current", "Bogus", "Done", nil},
		{"case insensitive", "new", "done", []string{"Committed", "Resolved"}},
		{"to removed", "Committed", "Removed", []string{"Resolved", "Done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferPath(bugStates, tt.current, tt.desired)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("InferPath(%q, %q) = %v, want %v", tt.current, tt.desired, got, tt.want)
			}
		})
	}
}

func TestWorkflowStepsPath(t *testing.T) {
	steps := WorkflowSteps{
		"Bug": {"Closed": {"Active", "Resolved"}},
	}

	got, ok := steps.Path("bug", "New", "closed")
	if !ok || !reflect.DeepEqual(got, []string{"Active", "Resolved"}) {
		t.Errorf("Path from New = %v, %v", got, ok)
	}

	got, ok = steps.Path("Bug", "Active", "Closed")
	if !ok || !reflect.DeepEqual(got, []string{"Resolved"}) {
		t.Errorf("Path from Active = %v, %v", got, ok)
	}

	if _, ok := steps.Path("Task", "New", "Closed"); ok {
		t.Error("unconfigured type should not match")
	}
	if _, ok := steps.Path("Bug", "New", "Active"); ok {
		t.Error("unconfigured state should not match")
	}
}

func TestSplitState(t *testing.T) {
	fields := map[string]any{tracker.StateField: "Closed", "System.Title": "x"}
	rest, state, ok := splitState(fields)
	if !ok || state != "Closed" {
		t.Fatalf("splitState = %q, %v", state, ok)
	}
	if _, has := rest[tracker.StateField]; has || rest["System.Title"] != "x" {
		t.Errorf("rest = %v", rest)
	}
	if _, has := fields[tracker.StateField]; !has {
		t.Error("input map was modified")
	}

	if _, _, ok := splitState(map[string]any{"System.Title": "x"}); ok {
		t.Error("no state field should report false")
	}
}
