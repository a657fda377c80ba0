package azuredevops

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// Cache lifetimes for metadata that rarely changes during a run.
const (
	metadataTTL     = 30 * time.Minute
	cleanupInterval = 10 * time.Minute
)

func init() {
	tracker.RegisterTarget("azuredevops", func() tracker.Target {
		return &Target{}
	})
}

// Target writes migrated items into Azure DevOps Boards.
type Target struct {
	client     *Client
	states     *cache.Cache // Work item type -> []tracker.WorkflowState
	identities *cache.Cache // Source identity -> resolved name ("" = no match)
	logger     *slog.Logger
}

// NewTarget returns a target over an existing client.
func NewTarget(client *Client, logger *slog.Logger) *Target {
	t := &Target{client: client, logger: logger}
	t.initCaches()
	return t
}

func (t *Target) initCaches() {
	t.states = cache.New(metadataTTL, cleanupInterval)
	t.identities = cache.New(metadataTTL, cleanupInterval)
	if t.logger == nil {
		t.logger = slog.Default()
	}
}

// Name returns the connector identifier.
func (t *Target) Name() string {
	return "azuredevops"
}

// Init reads azuredevops.* configuration:
//
//	organization             organization name or collection URL (required)
//	project                  team project (required)
//	pat                      personal access token (required)
//	max_concurrent_requests  request concurrency (default 4)
//	timeout                  per-request timeout (default 30s)
func (t *Target) Init(ctx context.Context, cfg *tracker.Config) error {
	organization, err := cfg.GetRequired("organization")
	if err != nil {
		return err
	}
	project, err := cfg.GetRequired(tracker.CommonConfig.Project)
	if err != nil {
		return err
	}
	pat, err := cfg.GetRequired("pat")
	if err != nil {
		return err
	}
	limit, err := cfg.GetInt(tracker.CommonConfig.Concurrency, 4)
	if err != nil {
		return err
	}
	timeout, err := cfg.GetDuration(tracker.CommonConfig.Timeout, DefaultTimeout)
	if err != nil {
		return err
	}

	t.client = NewClient(organization, project, pat)
	t.client.HTTPClient.Timeout = timeout
	t.client.Throttle = tracker.NewThrottle(limit)
	t.initCaches()
	return nil
}

// Close releases any resources.
func (t *Target) Close() error {
	return nil
}

// Client returns the underlying Azure DevOps client for advanced operations.
func (t *Target) Client() *Client {
	return t.client
}

func parseID(op, targetID string) (int, error) {
	id, err := strconv.Atoi(targetID)
	if err != nil || id <= 0 {
		return 0, tracker.ValidationError(op, "id", fmt.Errorf("invalid work item ID: %q", targetID))
	}
	return id, nil
}

// FindBySourceTag returns the work item tagged for sourceID, or nil.
func (t *Target) FindBySourceTag(ctx context.Context, sourceID string) (*tracker.TargetItem, error) {
	tag := tracker.SourceTag(sourceID)
	ids, err := t.client.QueryByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		wi, err := t.client.GetWorkItem(ctx, id)
		if err != nil {
			if tracker.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		// CONTAINS matches whole tags, but guard against servers that
		// match substrings.
		if got, ok := tracker.FindSourceTag(tagsValue(wi.Fields[FieldTags])); !ok || got != sourceID {
			continue
		}
		if len(ids) > 1 {
			t.logger.Warn("azuredevops: several work items carry the same source tag, using the oldest",
				"source_id", sourceID, "target_id", wi.ID, "matches", len(ids))
		}
		comments, err := t.client.ListComments(ctx, wi.ID)
		if err != nil {
			return nil, err
		}
		return t.toTargetItem(wi, len(commentMarkers(comments))), nil
	}
	return nil, nil
}

// CreateItem creates a work item of targetType tagged for sourceID.
func (t *Target) CreateItem(ctx context.Context, targetType, sourceID string, fields map[string]any) (*tracker.TargetItem, error) {
	ops := fieldOps(fields)
	ops = append(ops, PatchOperation{
		Op:    "add",
		Path:  "/fields/" + FieldTags,
		Value: mergeTags(tagsValue(fields[FieldTags]), tracker.SourceTag(sourceID)),
	})

	wi, err := t.client.CreateWorkItem(ctx, targetType, ops)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("azuredevops: created work item", "source_id", sourceID, "target_id", wi.ID, "type", targetType)
	return t.toTargetItem(wi, 0), nil
}

// UpdateItem writes fields onto an existing work item. A mapped
// System.Tags value is merged with the tags already present so the source
// tag survives.
func (t *Target) UpdateItem(ctx context.Context, targetID string, fields map[string]any) (*tracker.TargetItem, error) {
	id, err := parseID("azuredevops.UpdateItem", targetID)
	if err != nil {
		return nil, err
	}

	ops := fieldOps(fields)
	if v, ok := fields[FieldTags]; ok {
		current, err := t.client.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		ops = append(ops, PatchOperation{
			Op:    "add",
			Path:  "/fields/" + FieldTags,
			Value: mergeTags(tagsValue(current.Fields[FieldTags]), splitTags(tagsValue(v))...),
		})
	}
	if len(ops) == 0 {
		wi, err := t.client.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		return t.toTargetItem(wi, 0), nil
	}

	wi, err := t.client.UpdateWorkItem(ctx, id, ops)
	if err != nil {
		return nil, err
	}
	return t.toTargetItem(wi, 0), nil
}

// SetParent links childID under parentID. An existing link to a different
// parent is replaced; a link to the same parent is left alone.
func (t *Target) SetParent(ctx context.Context, childID, parentID string) error {
	child, err := parseID("azuredevops.SetParent", childID)
	if err != nil {
		return err
	}
	parent, err := parseID("azuredevops.SetParent", parentID)
	if err != nil {
		return err
	}

	wi, err := t.client.GetWorkItem(ctx, child)
	if err != nil {
		return err
	}
	if hasRelation(wi.Relations, RelParent, parent) {
		return nil
	}

	var ops []PatchOperation
	// Remove from the highest index down so earlier indexes stay valid.
	for i := len(wi.Relations) - 1; i >= 0; i-- {
		if wi.Relations[i].Rel == RelParent {
			ops = append(ops, PatchOperation{Op: "remove", Path: "/relations/" + strconv.Itoa(i)})
		}
	}
	ops = append(ops, PatchOperation{
		Op:   "add",
		Path: "/relations/-",
		Value: WorkItemRelation{
			Rel: RelParent,
			URL: t.client.WorkItemAPIURL(parent),
		},
	})
	_, err = t.client.UpdateWorkItem(ctx, child, ops)
	return err
}

// LinkTestCase adds a Tested By link from itemID to testCaseID.
func (t *Target) LinkTestCase(ctx context.Context, itemID, testCaseID string) error {
	item, err := parseID("azuredevops.LinkTestCase", itemID)
	if err != nil {
		return err
	}
	tc, err := parseID("azuredevops.LinkTestCase", testCaseID)
	if err != nil {
		return err
	}

	wi, err := t.client.GetWorkItem(ctx, item)
	if err != nil {
		return err
	}
	if hasRelation(wi.Relations, RelTestedBy, tc) {
		return nil
	}
	_, err = t.client.UpdateWorkItem(ctx, item, []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: WorkItemRelation{
			Rel: RelTestedBy,
			URL: t.client.WorkItemAPIURL(tc),
		},
	}})
	return err
}

// AddComment posts c unless a comment with marker already exists.
func (t *Target) AddComment(ctx context.Context, targetID string, c types.Comment, marker string) error {
	id, err := parseID("azuredevops.AddComment", targetID)
	if err != nil {
		return err
	}
	existing, err := t.client.ListComments(ctx, id)
	if err != nil {
		return err
	}
	if commentMarkers(existing)[marker] {
		return nil
	}
	_, err = t.client.AddComment(ctx, id, commentHTML(c, marker))
	return err
}

// AddAttachment uploads content and attaches it unless an attachment with
// marker already exists.
func (t *Target) AddAttachment(ctx context.Context, targetID string, a types.Attachment, content []byte, marker string) error {
	id, err := parseID("azuredevops.AddAttachment", targetID)
	if err != nil {
		return err
	}
	wi, err := t.client.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range wi.Relations {
		if r.Rel == RelAttachedFile && relationComment(r) == marker {
			return nil
		}
	}

	name := a.Name
	if name == "" {
		name = "attachment-" + a.ID
	}
	ref, err := t.client.UploadAttachment(ctx, name, content)
	if err != nil {
		return err
	}
	_, err = t.client.UpdateWorkItem(ctx, id, []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: WorkItemRelation{
			Rel:        RelAttachedFile,
			URL:        ref.URL,
			Attributes: map[string]any{"comment": marker, "name": name},
		},
	}})
	return err
}

// WorkflowStates returns the states of targetType in workflow order.
func (t *Target) WorkflowStates(ctx context.Context, targetType string) ([]tracker.WorkflowState, error) {
	if v, ok := t.states.Get(targetType); ok {
		return v.([]tracker.WorkflowState), nil
	}
	raw, err := t.client.WorkItemTypeStates(ctx, targetType)
	if err != nil {
		return nil, err
	}
	states := make([]tracker.WorkflowState, len(raw))
	for i, s := range raw {
		states[i] = tracker.WorkflowState{Name: s.Name, Category: stateCategory(s.Category, s.Name)}
	}
	t.states.SetDefault(targetType, states)
	return states, nil
}

// ResolveIdentity finds the target identity for a source user. Misses are
// cached too.
func (t *Target) ResolveIdentity(ctx context.Context, sourceIdentity string) (string, bool, error) {
	if v, ok := t.identities.Get(sourceIdentity); ok {
		name := v.(string)
		return name, name != "", nil
	}
	found, err := t.client.SearchIdentities(ctx, sourceIdentity)
	if err != nil {
		if tracker.IsNotFound(err) {
			t.identities.SetDefault(sourceIdentity, "")
			return "", false, nil
		}
		return "", false, err
	}
	name := ""
	for _, id := range found {
		if id.IsActive || len(found) == 1 {
			name = identityName(id)
			break
		}
	}
	t.identities.SetDefault(sourceIdentity, name)
	return name, name != "", nil
}

var _ tracker.Target = (*Target)(nil)
