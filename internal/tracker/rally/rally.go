package rally

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

func init() {
	tracker.RegisterSource("rally", func() tracker.Source {
		return &Source{}
	})
}

// Source reads work items from Rally.
type Source struct {
	client    *Client
	typePaths map[string]string // FormattedID prefix -> WSAPI type path
	logger    *slog.Logger
}

// NewSource returns a source over an existing client. Used by tests and
// callers that build the client themselves.
func NewSource(client *Client, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{client: client, typePaths: defaultTypePaths(), logger: logger}
}

func defaultTypePaths() map[string]string {
	m := make(map[string]string, len(DefaultTypePaths))
	for k, v := range DefaultTypePaths {
		m[k] = v
	}
	return m
}

// Name returns the connector identifier.
func (s *Source) Name() string { return "rally" }

// Init reads rally.* configuration:
//
//	api_key                  required
//	url                      WSAPI base (default DefaultBaseURL)
//	workspace, project       refs that scope queries
//	max_concurrent_requests  request concurrency (default 4)
//	timeout                  per-request timeout (default 30s)
//	type_map.<PREFIX>        FormattedID prefix to type path override
func (s *Source) Init(ctx context.Context, cfg *tracker.Config) error {
	apiKey, err := cfg.GetRequired(tracker.CommonConfig.APIKey)
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

	c := NewClient(cfg.GetDefault(tracker.CommonConfig.BaseURL, DefaultBaseURL), apiKey)
	c.Workspace = cfg.GetDefault("workspace", "")
	c.Project = cfg.GetDefault(tracker.CommonConfig.Project, "")
	c.HTTPClient.Timeout = timeout
	c.Throttle = tracker.NewThrottle(limit)

	s.client = c
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.typePaths = defaultTypePaths()

	all, err := cfg.GetAll()
	if err != nil {
		return err
	}
	for key, value := range all {
		if prefix, ok := strings.CutPrefix(key, "type_map."); ok && value != "" {
			s.typePaths[strings.ToUpper(prefix)] = strings.ToLower(value)
		}
	}
	return nil
}

// Close releases any resources.
func (s *Source) Close() error { return nil }

// typePath resolves the WSAPI type path from a FormattedID prefix.
func (s *Source) typePath(id string) (string, error) {
	prefix := strings.ToUpper(strings.TrimRightFunc(id, unicode.IsDigit))
	if prefix == "" || prefix == strings.ToUpper(id) {
		return "", tracker.ValidationError("rally.typePath", "FormattedID",
			fmt.Errorf("%q is not a FormattedID", id))
	}
	if p, ok := s.typePaths[prefix]; ok {
		return p, nil
	}
	return "", tracker.ValidationError("rally.typePath", "FormattedID",
		fmt.Errorf("no type configured for prefix %q of %s", prefix, id))
}

// artifact fetches one artifact and its raw field map.
func (s *Source) artifact(ctx context.Context, id string) (*Artifact, map[string]any, error) {
	path, err := s.typePath(id)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.client.Query(ctx, path, fmt.Sprintf(`(FormattedID = "%s")`, id), fetchFields, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(results) == 0 {
		return nil, nil, tracker.NotFoundError("rally.FetchItem", id)
	}
	var a Artifact
	if err := json.Unmarshal(results[0], &a); err != nil {
		return nil, nil, fmt.Errorf("rally.FetchItem: failed to parse %s: %w", id, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(results[0], &raw); err != nil {
		return nil, nil, fmt.Errorf("rally.FetchItem: failed to parse %s: %w", id, err)
	}
	return &a, raw, nil
}

// FetchItem returns a full snapshot of one artifact.
func (s *Source) FetchItem(ctx context.Context, id string) (*types.WorkItemRecord, error) {
	a, raw, err := s.artifact(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &types.WorkItemRecord{
		SourceID:    a.FormattedID,
		Type:        a.Type,
		Title:       a.Name,
		Description: a.Description,
		State:       stateOf(a, raw),
		CreatedAt:   parseTimestamp(a.CreationDate),
		UpdatedAt:   parseTimestamp(a.LastUpdateDate),
		Fields:      flattenFields(raw),
	}
	if rec.SourceID == "" {
		rec.SourceID = id
	}

	parent, err := s.parentOf(ctx, a)
	if err != nil {
		return nil, err
	}
	rec.ParentID = parent

	tcs, err := s.testCases(ctx, a)
	if err != nil {
		return nil, err
	}
	rec.SetTestCases(tcs)

	if rec.Comments, err = s.comments(ctx, a); err != nil {
		return nil, err
	}
	if rec.Attachments, err = s.attachments(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Debug("rally: fetched item", "source_id", rec.SourceID, "type", rec.Type,
		"parent", rec.ParentID, "test_cases", len(rec.TestCaseIDs),
		"comments", len(rec.Comments), "attachments", len(rec.Attachments))
	return rec, nil
}

// parentOf resolves the parent FormattedID. Stories use Parent or
// PortfolioItem, defects use Requirement, portfolio items use Parent.
func (s *Source) parentOf(ctx context.Context, a *Artifact) (string, error) {
	for _, ref := range []*Ref{a.Parent, a.PortfolioItem, a.Requirement} {
		if ref == nil || ref.Ref == "" {
			continue
		}
		if ref.FormattedID != "" {
			return ref.FormattedID, nil
		}
		raw, err := s.client.GetObject(ctx, ref.Ref, []string{"FormattedID"})
		if err != nil {
			return "", fmt.Errorf("resolving parent of %s: %w", a.FormattedID, err)
		}
		var p Ref
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("resolving parent of %s: %w", a.FormattedID, err)
		}
		return p.FormattedID, nil
	}
	return "", nil
}

func (s *Source) testCases(ctx context.Context, a *Artifact) ([]string, error) {
	if a.TestCases == nil || a.TestCases.Count == 0 {
		return nil, nil
	}
	results, err := s.client.Collection(ctx, a.TestCases.Ref, []string{"FormattedID"})
	if err != nil {
		return nil, fmt.Errorf("test cases of %s: %w", a.FormattedID, err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		var ref Ref
		if err := json.Unmarshal(r, &ref); err != nil {
			return nil, fmt.Errorf("test cases of %s: %w", a.FormattedID, err)
		}
		ids = append(ids, ref.FormattedID)
	}
	return ids, nil
}

func (s *Source) comments(ctx context.Context, a *Artifact) ([]types.Comment, error) {
	if a.Discussion == nil || a.Discussion.Count == 0 {
		return nil, nil
	}
	results, err := s.client.Collection(ctx, a.Discussion.Ref,
		[]string{"ObjectID", "PostNumber", "Text", "User", "UserName", "EmailAddress", "CreationDate"})
	if err != nil {
		return nil, fmt.Errorf("discussion of %s: %w", a.FormattedID, err)
	}
	posts := make([]ConversationPost, 0, len(results))
	for _, r := range results {
		var p ConversationPost
		if err := json.Unmarshal(r, &p); err != nil {
			return nil, fmt.Errorf("discussion of %s: %w", a.FormattedID, err)
		}
		posts = append(posts, p)
	}
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].PostNumber < posts[j].PostNumber })

	out := make([]types.Comment, len(posts))
	for i, p := range posts {
		out[i] = types.Comment{
			ID:        strconv.FormatInt(p.ObjectID, 10),
			Author:    userName(p.User),
			Text:      p.Text,
			CreatedAt: parseTimestamp(p.CreationDate),
		}
	}
	return out, nil
}

func (s *Source) attachments(ctx context.Context, a *Artifact) ([]types.Attachment, error) {
	if a.Attachments == nil || a.Attachments.Count == 0 {
		return nil, nil
	}
	results, err := s.client.Collection(ctx, a.Attachments.Ref,
		[]string{"ObjectID", "Name", "ContentType", "Size", "Content"})
	if err != nil {
		return nil, fmt.Errorf("attachments of %s: %w", a.FormattedID, err)
	}
	out := make([]types.Attachment, 0, len(results))
	for _, r := range results {
		var m AttachmentMeta
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, fmt.Errorf("attachments of %s: %w", a.FormattedID, err)
		}
		att := types.Attachment{
			ID:          strconv.FormatInt(m.ObjectID, 10),
			Name:        m.Name,
			ContentType: m.ContentType,
			Size:        m.Size,
		}
		if m.Content != nil {
			att.ContentRef = m.Content.Ref
		}
		out = append(out, att)
	}
	return out, nil
}

// FetchChildren returns the direct children of id: sub-stories and defects
// of a story, child portfolio items and stories of a portfolio item.
func (s *Source) FetchChildren(ctx context.Context, id string) ([]string, error) {
	path, err := s.typePath(id)
	if err != nil {
		return nil, err
	}

	type childQuery struct{ typePath, field string }
	var queries []childQuery
	switch {
	case path == "hierarchicalrequirement":
		queries = []childQuery{{"hierarchicalrequirement", "Parent"}, {"defect", "Requirement"}}
	case strings.HasPrefix(path, "portfolioitem"):
		queries = []childQuery{{"portfolioitem", "Parent"}, {"hierarchicalrequirement", "PortfolioItem"}}
	default:
		return nil, nil
	}

	var ids []string
	for _, q := range queries {
		results, err := s.client.Query(ctx, q.typePath,
			fmt.Sprintf(`(%s.FormattedID = "%s")`, q.field, id), []string{"FormattedID"}, 0)
		if err != nil {
			return nil, fmt.Errorf("children of %s: %w", id, err)
		}
		got, err := formattedIDs(results)
		if err != nil {
			return nil, fmt.Errorf("children of %s: %w", id, err)
		}
		ids = append(ids, got...)
	}
	return sortedUnique(ids), nil
}

// FetchTestCases returns the test cases linked to id.
func (s *Source) FetchTestCases(ctx context.Context, id string) ([]string, error) {
	a, _, err := s.artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, err := s.testCases(ctx, a)
	if err != nil {
		return nil, err
	}
	return sortedUnique(ids), nil
}

// FetchComments returns the discussion of id in post order.
func (s *Source) FetchComments(ctx context.Context, id string) ([]types.Comment, error) {
	a, _, err := s.artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.comments(ctx, a)
}

// FetchAttachments returns attachment metadata for id.
func (s *Source) FetchAttachments(ctx context.Context, id string) ([]types.Attachment, error) {
	a, _, err := s.artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attachments(ctx, a)
}

// DownloadAttachment returns the decoded bytes of a.
func (s *Source) DownloadAttachment(ctx context.Context, a types.Attachment) ([]byte, error) {
	if a.ContentRef == "" {
		return nil, tracker.ValidationError("rally.DownloadAttachment", "Content",
			fmt.Errorf("attachment %s has no content ref", a.ID))
	}
	return s.client.DownloadContent(ctx, a.ContentRef)
}

// ListProject returns the FormattedIDs of every artifact in scope, portfolio
// items first.
func (s *Source) ListProject(ctx context.Context, opts tracker.FetchOptions) ([]string, error) {
	query := ""
	if opts.Since != nil {
		query = fmt.Sprintf(`(LastUpdateDate > "%s")`, opts.Since.UTC().Format("2006-01-02T15:04:05.000Z"))
	}

	var ids []string
	for _, path := range s.listPaths(opts.Types) {
		remaining := 0
		if opts.Limit > 0 {
			remaining = opts.Limit - len(ids)
			if remaining <= 0 {
				break
			}
		}
		results, err := s.client.Query(ctx, path, query, []string{"FormattedID"}, remaining)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		got, err := formattedIDs(results)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		ids = append(ids, got...)
	}
	s.logger.Debug("rally: listed project", "count", len(ids), "since", opts.Since)
	return ids, nil
}

// listPaths returns the type paths to list, portfolio items before stories
// and stories before defects and test cases.
func (s *Source) listPaths(filter []string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range s.typePaths {
		if seen[p] {
			continue
		}
		if len(filter) > 0 && !matchesType(p, filter) {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		ri, rj := pathRank(paths[i]), pathRank(paths[j])
		if ri != rj {
			return ri < rj
		}
		return paths[i] < paths[j]
	})
	return paths
}

func matchesType(path string, filter []string) bool {
	for _, f := range filter {
		f = strings.ToLower(f)
		if f == path || f == path[strings.LastIndex(path, "/")+1:] {
			return true
		}
	}
	return false
}

func pathRank(path string) int {
	switch {
	case strings.HasPrefix(path, "portfolioitem"):
		return 0
	case path == "hierarchicalrequirement":
		return 1
	case path == "defect":
		return 2
	}
	return 3
}

func formattedIDs(results []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		var ref Ref
		if err := json.Unmarshal(r, &ref); err != nil {
			return nil, err
		}
		if ref.FormattedID != "" {
			ids = append(ids, ref.FormattedID)
		}
	}
	return ids, nil
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// stateOf prefers ScheduleState (stories, defects) over the State object
// portfolio items carry.
func stateOf(a *Artifact, raw map[string]any) string {
	if a.ScheduleState != "" {
		return a.ScheduleState
	}
	if v, ok := raw["State"]; ok {
		return fmt.Sprint(flatten(v))
	}
	return ""
}

func userName(u *User) string {
	if u == nil {
		return ""
	}
	switch {
	case u.EmailAddress != "":
		return u.EmailAddress
	case u.UserName != "":
		return u.UserName
	}
	return u.RefObjectName
}

// flattenFields turns WSAPI references into scalar values the mapping
// engine can use directly. Metadata keys starting with "_" are dropped.
func flattenFields(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") || v == nil {
			continue
		}
		out[k] = flatten(v)
	}
	return out
}

func flatten(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	// Collections keep only their size.
	if c, ok := obj["Count"]; ok {
		if _, named := obj["_refObjectName"]; !named {
			return c
		}
	}
	for _, key := range []string{"EmailAddress", "UserName", "FormattedID", "_refObjectName", "Name"} {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return obj
}

var _ tracker.Source = (*Source)(nil)
