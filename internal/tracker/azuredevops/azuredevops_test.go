package azuredevops_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/tracker/azuredevops"
	"github.com/steveyegge/wimigrate/internal/tracker/testutil"
	"github.com/steveyegge/wimigrate/internal/types"
)

func newTestTarget(t *testing.T) (*azuredevops.Target, *testutil.AzureDevOpsMockServer) {
	t.Helper()
	mock := testutil.NewAzureDevOpsMockServer("testproj")
	t.Cleanup(mock.Close)
	client := azuredevops.NewClient("testorg", "testproj", "test-pat").WithEndpoint(mock.URL())
	return azuredevops.NewTarget(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func userStoryStates(mock *testutil.AzureDevOpsMockServer) {
	mock.SetStates("User Story",
		azuredevops.WorkItemStateColor{Name: "New", Category: "Proposed"},
		azuredevops.WorkItemStateColor{Name: "Active", Category: "InProgress"},
		azuredevops.WorkItemStateColor{Name: "Resolved", Category: "Resolved"},
		azuredevops.WorkItemStateColor{Name: "Closed", Category: "Completed"},
		azuredevops.WorkItemStateColor{Name: "Removed", Category: "Removed"},
	)
}

func mustID(t *testing.T, item *tracker.TargetItem) int {
	t.Helper()
	id, err := strconv.Atoi(item.ID)
	if err != nil {
		t.Fatalf("target ID %q is not numeric", item.ID)
	}
	return id
}

// TestCreateAndFindBySourceTag tests that created items carry the source
// tag and can be found by it.
func TestCreateAndFindBySourceTag(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	created, err := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{
		"System.Title":      "Checkout flow",
		"System.Tags":       "legacy",
		"System.AssignedTo": "alice@dst.example",
	})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if created.Type != "User Story" {
		t.Errorf("Expected type 'User Story', got %q", created.Type)
	}
	if !strings.HasSuffix(created.URL, "/testproj/_workitems/edit/"+created.ID) {
		t.Errorf("Unexpected URL %q", created.URL)
	}

	wi, _ := mock.WorkItem(mustID(t, created))
	if tags := wi.Fields["System.Tags"]; tags != "legacy; wim-src:US1" {
		t.Errorf("Expected tags 'legacy; wim-src:US1', got %v", tags)
	}

	found, err := tgt.FindBySourceTag(ctx, "US1")
	if err != nil {
		t.Fatalf("FindBySourceTag failed: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("Expected to find %s, got %+v", created.ID, found)
	}
	if found.Fields["System.Title"] != "Checkout flow" {
		t.Errorf("Expected title in fields, got %v", found.Fields["System.Title"])
	}

	missing, err := tgt.FindBySourceTag(ctx, "US2")
	if err != nil || missing != nil {
		t.Errorf("Expected nil for untagged source, got %+v, %v", missing, err)
	}

	var wiql testutil.RecordedRequest
	for _, r := range mock.GetRequests() {
		if strings.HasSuffix(r.Path, "/_apis/wit/wiql") {
			wiql = r
			break
		}
	}
	if !strings.Contains(string(wiql.Body), "[System.Tags] CONTAINS 'wim-src:US1'") {
		t.Errorf("WIQL did not query the source tag: %s", wiql.Body)
	}
	if got := wiql.Headers.Get("Authorization"); !strings.HasPrefix(got, "Basic ") {
		t.Errorf("Expected basic auth, got %q", got)
	}
	if !strings.Contains(wiql.RawQuery, "api-version=7.1") {
		t.Errorf("Expected api-version, got %q", wiql.RawQuery)
	}
}

// TestFindBySourceTagIgnoresSimilarTags tests that only the exact tag matches.
func TestFindBySourceTagIgnoresSimilarTags(t *testing.T) {
	tgt, mock := newTestTarget(t)
	mock.AddWorkItem(testutil.MakeADOWorkItem(7, "Bug", "Crash", "New", "wim-src:DE10"))

	found, err := tgt.FindBySourceTag(context.Background(), "DE1")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Errorf("DE1 matched the item tagged for DE10")
	}
}

// TestCreateRejectsNonInitialState tests that a refused state is classified
// as a workflow transition error.
func TestCreateRejectsNonInitialState(t *testing.T) {
	tgt, mock := newTestTarget(t)
	userStoryStates(mock)

	_, err := tgt.CreateItem(context.Background(), "User Story", "US1", map[string]any{
		"System.Title": "Done already",
		"System.State": "Closed",
	})
	if !tracker.IsWorkflowTransition(err) {
		t.Fatalf("Expected workflow transition error, got %v", err)
	}
	if mock.WorkItemCount() != 0 {
		t.Errorf("Rejected create left %d work items", mock.WorkItemCount())
	}

	item, err := tgt.CreateItem(context.Background(), "User Story", "US1", map[string]any{"System.Title": "Done already"})
	if err != nil {
		t.Fatal(err)
	}
	if item.Fields["System.State"] != "New" {
		t.Errorf("Expected initial state New, got %v", item.Fields["System.State"])
	}
}

// TestUpdateItemKeepsSourceTag tests that mapped tags merge with the marker.
func TestUpdateItemKeepsSourceTag(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	item, err := tgt.CreateItem(ctx, "Bug", "DE1", map[string]any{"System.Title": "Crash"})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := tgt.UpdateItem(ctx, item.ID, map[string]any{
		"System.Title": "Crash on save",
		"System.Tags":  "triaged; p1",
	})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if updated.Fields["System.Title"] != "Crash on save" {
		t.Errorf("Title not updated: %v", updated.Fields["System.Title"])
	}
	wi, _ := mock.WorkItem(mustID(t, item))
	if tags := wi.Fields["System.Tags"]; tags != "wim-src:DE1; triaged; p1" {
		t.Errorf("Expected merged tags, got %v", tags)
	}

	if _, err := tgt.UpdateItem(ctx, "99999", map[string]any{"System.Title": "x"}); !tracker.IsNotFound(err) {
		t.Errorf("Expected not found for missing item, got %v", err)
	}
	if _, err := tgt.UpdateItem(ctx, "abc", nil); !tracker.IsValidation(err) {
		t.Errorf("Expected validation error for bad ID, got %v", err)
	}
}

// TestSetParent tests linking, relinking and idempotence.
func TestSetParent(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	f1, _ := tgt.CreateItem(ctx, "Feature", "F1", map[string]any{"System.Title": "One"})
	f2, _ := tgt.CreateItem(ctx, "Feature", "F2", map[string]any{"System.Title": "Two"})
	story, _ := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{"System.Title": "Story"})

	for i := 0; i < 2; i++ {
		if err := tgt.SetParent(ctx, story.ID, f1.ID); err != nil {
			t.Fatalf("SetParent #%d failed: %v", i+1, err)
		}
	}
	wi, _ := mock.WorkItem(mustID(t, story))
	if len(wi.Relations) != 1 || !strings.HasSuffix(wi.Relations[0].URL, "/"+f1.ID) {
		t.Fatalf("Expected one parent link to %s, got %+v", f1.ID, wi.Relations)
	}

	if err := tgt.SetParent(ctx, story.ID, f2.ID); err != nil {
		t.Fatalf("Reparent failed: %v", err)
	}
	wi, _ = mock.WorkItem(mustID(t, story))
	if len(wi.Relations) != 1 || !strings.HasSuffix(wi.Relations[0].URL, "/"+f2.ID) {
		t.Errorf("Expected parent link replaced with %s, got %+v", f2.ID, wi.Relations)
	}
	if wi.Relations[0].Rel != azuredevops.RelParent {
		t.Errorf("Expected %s, got %s", azuredevops.RelParent, wi.Relations[0].Rel)
	}
}

// TestLinkTestCase tests that Tested By links are added once.
func TestLinkTestCase(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	story, _ := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{"System.Title": "Story"})
	tc, _ := tgt.CreateItem(ctx, "Test Case", "TC1", map[string]any{"System.Title": "Check"})

	for i := 0; i < 3; i++ {
		if err := tgt.LinkTestCase(ctx, story.ID, tc.ID); err != nil {
			t.Fatalf("LinkTestCase failed: %v", err)
		}
	}
	wi, _ := mock.WorkItem(mustID(t, story))
	if len(wi.Relations) != 1 || wi.Relations[0].Rel != azuredevops.RelTestedBy {
		t.Errorf("Expected a single TestedBy link, got %+v", wi.Relations)
	}
}

// TestAddCommentIsIdempotent tests that comments are posted once per marker
// and counted back through FindBySourceTag.
func TestAddCommentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	item, _ := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{"System.Title": "Story"})
	mock.AddComment(mustID(t, item), "a comment written in the target")

	c := types.Comment{ID: "901", Author: "alice", Text: "<p>first</p>", CreatedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	marker := tracker.CommentMarker("US1", "901")
	for i := 0; i < 2; i++ {
		if err := tgt.AddComment(ctx, item.ID, c, marker); err != nil {
			t.Fatalf("AddComment failed: %v", err)
		}
	}

	comments := mock.Comments(mustID(t, item))
	if len(comments) != 2 {
		t.Fatalf("Expected 2 comments, got %d", len(comments))
	}
	text := comments[1].Text
	for _, want := range []string{"alice", "<p>first</p>", marker} {
		if !strings.Contains(text, want) {
			t.Errorf("Comment %q does not contain %q", text, want)
		}
	}

	found, err := tgt.FindBySourceTag(ctx, "US1")
	if err != nil {
		t.Fatal(err)
	}
	if found.CommentCount != 1 {
		t.Errorf("Expected CommentCount 1, got %d", found.CommentCount)
	}
}

// TestAddAttachmentIsIdempotent tests upload plus AttachedFile relation.
func TestAddAttachmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)

	item, _ := tgt.CreateItem(ctx, "User Story", "US1", map[string]any{"System.Title": "Story"})
	a := types.Attachment{ID: "701", Name: "mock.png", ContentType: "image/png"}
	marker := tracker.AttachmentMarker("US1", "701")
	for i := 0; i < 2; i++ {
		if err := tgt.AddAttachment(ctx, item.ID, a, []byte("PNG"), marker); err != nil {
			t.Fatalf("AddAttachment failed: %v", err)
		}
	}

	if n := mock.CountRequests(http.MethodPost, "/testproj/_apis/wit/attachments"); n != 1 {
		t.Errorf("Expected 1 upload, got %d", n)
	}
	if data, ok := mock.Attachment("att-1"); !ok || string(data) != "PNG" {
		t.Errorf("Uploaded bytes = %q, %v", data, ok)
	}
	wi, _ := mock.WorkItem(mustID(t, item))
	if len(wi.Relations) != 1 || wi.Relations[0].Rel != azuredevops.RelAttachedFile {
		t.Fatalf("Expected one AttachedFile relation, got %+v", wi.Relations)
	}

	found, err := tgt.FindBySourceTag(ctx, "US1")
	if err != nil {
		t.Fatal(err)
	}
	if found.AttachmentCount != 1 {
		t.Errorf("Expected AttachmentCount 1, got %d", found.AttachmentCount)
	}
}

// TestWorkflowStatesCached tests category mapping and metadata caching.
func TestWorkflowStatesCached(t *testing.T) {
	tgt, mock := newTestTarget(t)
	userStoryStates(mock)

	for i := 0; i < 3; i++ {
		states, err := tgt.WorkflowStates(context.Background(), "User Story")
		if err != nil {
			t.Fatal(err)
		}
		if len(states) != 5 {
			t.Fatalf("Expected 5 states, got %d", len(states))
		}
		if states[1].Name != "Active" || states[1].Category != tracker.CategoryInProgress {
			t.Errorf("Unexpected state %+v", states[1])
		}
	}
	if n := mock.CountRequests(http.MethodGet, "/testproj/_apis/wit/workitemtypes/User Story/states"); n != 1 {
		t.Errorf("Expected 1 states request, got %d", n)
	}

	if _, err := tgt.WorkflowStates(context.Background(), "Epic"); !tracker.IsNotFound(err) {
		t.Errorf("Expected not found for unknown type, got %v", err)
	}
}

// TestResolveIdentity tests lookup, miss caching and the returned name.
func TestResolveIdentity(t *testing.T) {
	ctx := context.Background()
	tgt, mock := newTestTarget(t)
	mock.AddIdentity(testutil.MakeADOIdentity("Alice Example", "alice@dst.example"))

	name, ok, err := tgt.ResolveIdentity(ctx, "Alice Example")
	if err != nil || !ok || name != "alice@dst.example" {
		t.Errorf("ResolveIdentity = %q, %v, %v", name, ok, err)
	}

	for i := 0; i < 2; i++ {
		_, ok, err = tgt.ResolveIdentity(ctx, "nobody@src.example")
		if err != nil || ok {
			t.Errorf("Expected miss, got ok=%v err=%v", ok, err)
		}
	}
	if n := mock.CountRequests(http.MethodGet, "/_apis/identities"); n != 2 {
		t.Errorf("Expected 2 identity searches (miss cached), got %d", n)
	}
}

// TestErrorClassification tests the error kinds surfaced to the engine.
func TestErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("auth", func(t *testing.T) {
		tgt, mock := newTestTarget(t)
		mock.SetAuthError(true)
		_, err := tgt.FindBySourceTag(ctx, "US1")
		if !tracker.IsAuth(err) {
			t.Errorf("Expected auth error, got %v", err)
		}
	})

	t.Run("throttled", func(t *testing.T) {
		tgt, mock := newTestTarget(t)
		mock.SetRateLimit(1, "3")
		_, err := tgt.FindBySourceTag(ctx, "US1")
		if !tracker.IsTransient(err) {
			t.Fatalf("Expected transient error, got %v", err)
		}
		if got := tracker.RetryAfter(err); got != 3*time.Second {
			t.Errorf("Expected Retry-After 3s, got %v", got)
		}
		if _, err := tgt.FindBySourceTag(ctx, "US1"); err != nil {
			t.Errorf("Expected success after rate limit cleared, got %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		tgt, mock := newTestTarget(t)
		mock.SetServerError(true)
		_, err := tgt.CreateItem(ctx, "Bug", "DE1", nil)
		if !tracker.IsTransient(err) {
			t.Errorf("Expected transient error, got %v", err)
		}
	})

	t.Run("second parent", func(t *testing.T) {
		tgt, mock := newTestTarget(t)
		mock.SetResponse("PATCH /testproj/_apis/wit/workitems/5", http.StatusBadRequest,
			map[string]string{"message": "TF201036: a work item can have only one Parent link."})
		mock.AddWorkItem(testutil.MakeADOWorkItem(5, "Task", "t", "New", ""))
		mock.AddWorkItem(testutil.MakeADOWorkItem(6, "Task", "p", "New", ""))
		err := tgt.SetParent(ctx, "5", "6")
		if !tracker.IsValidation(err) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})
}

// TestInitRequiresConfig tests that missing settings produce actionable errors.
func TestInitRequiresConfig(t *testing.T) {
	ctx := context.Background()
	for _, env := range []string{"AZUREDEVOPS_ORGANIZATION", "AZUREDEVOPS_PROJECT", "AZUREDEVOPS_PAT"} {
		t.Setenv(env, "")
	}

	tgt := &azuredevops.Target{}
	err := tgt.Init(ctx, tracker.NewConfig(ctx, "azuredevops", tracker.MapConfigStore{
		"azuredevops.organization": "testorg",
	}))
	if err == nil || !strings.Contains(err.Error(), "azuredevops.project") {
		t.Errorf("Expected missing project error, got %v", err)
	}

	err = tgt.Init(ctx, tracker.NewConfig(ctx, "azuredevops", tracker.MapConfigStore{
		"azuredevops.organization":            "testorg",
		"azuredevops.project":                 "testproj",
		"azuredevops.pat":                     "secret",
		"azuredevops.max_concurrent_requests": "2",
	}))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if got := tgt.Client().BaseURL; got != "https://dev.azure.com/testorg" {
		t.Errorf("Expected cloud base URL, got %q", got)
	}
	if got := tgt.Client().IdentityURL; got != "https://vssps.dev.azure.com/testorg" {
		t.Errorf("Expected vssps identity URL, got %q", got)
	}

	if _, err := tracker.NewTarget("azuredevops"); err != nil {
		t.Errorf("azuredevops target not registered: %v", err)
	}
}
