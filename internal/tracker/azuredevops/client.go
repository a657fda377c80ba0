package azuredevops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

// Client provides methods to interact with the Azure DevOps REST API.
type Client struct {
	Organization string // Organization name or URL
	Project      string
	PAT          string // Personal Access Token
	BaseURL      string // Full base URL (derived from Organization)
	IdentityURL  string // Base URL of the identities (vssps) service
	HTTPClient   *http.Client
	Throttle     *tracker.Throttle
}

// NewClient creates a new Azure DevOps client.
func NewClient(organization, project, pat string) *Client {
	// Handle both organization name and full URL
	baseURL := organization
	if !strings.HasPrefix(organization, "http") {
		baseURL = fmt.Sprintf("https://dev.azure.com/%s", organization)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		Organization: organization,
		Project:      project,
		PAT:          pat,
		BaseURL:      baseURL,
		IdentityURL:  identityURL(baseURL),
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithEndpoint points the client at a different server, for tests and
// on-premises installations.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.BaseURL = strings.TrimSuffix(endpoint, "/")
	c.IdentityURL = identityURL(c.BaseURL)
	return c
}

// identityURL derives the vssps host for cloud organizations. Other
// servers serve identities from the collection URL.
func identityURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "https://dev.azure.com/") {
		return strings.Replace(baseURL, "https://dev.azure.com/", "https://vssps.dev.azure.com/", 1)
	}
	return baseURL
}

// request describes one API call.
type request struct {
	op          string
	method      string
	url         string // Absolute URL without api-version
	apiVersion  string
	body        any    // JSON-encoded unless raw is set
	raw         []byte // Sent verbatim with contentType
	contentType string
}

// do performs an authenticated request inside the shared throttle.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var payload []byte
	switch {
	case r.raw != nil:
		payload = r.raw
	case r.body != nil:
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request body: %w", r.op, err)
		}
		payload = data
	}

	version := r.apiVersion
	if version == "" {
		version = APIVersion
	}
	separator := "?"
	if strings.Contains(r.url, "?") {
		separator = "&"
	}
	reqURL := r.url + separator + "api-version=" + version

	var respBody []byte
	err := c.Throttle.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, reqURL, body)
		if err != nil {
			return fmt.Errorf("%s: failed to create request: %w", r.op, err)
		}

		// Azure DevOps uses Basic auth with empty username and PAT as password
		auth := base64.StdEncoding.EncodeToString([]byte(":" + c.PAT))
		req.Header.Set("Authorization", "Basic "+auth)
		req.Header.Set("Accept", "application/json")
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		} else if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return tracker.ClassifyTransport(r.op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return tracker.TransientError(r.op, fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return tracker.ClassifyResponse(r.op, resp, data)
		}
		respBody = data
		return nil
	})
	return respBody, err
}

func (c *Client) projectURL(format string, args ...any) string {
	return c.BaseURL + "/" + url.PathEscape(c.Project) + fmt.Sprintf(format, args...)
}

func decode[T any](op string, data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w", op, err)
	}
	return &v, nil
}

// QueryByTag returns the IDs of work items in the project carrying tag,
// lowest ID first.
func (c *Client) QueryByTag(ctx context.Context, tag string) ([]int, error) {
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.Tags] CONTAINS '%s' ORDER BY [System.Id] ASC",
		escapeWIQL(c.Project), escapeWIQL(tag))

	data, err := c.do(ctx, request{
		op:     "azuredevops.QueryByTag",
		method: http.MethodPost,
		url:    c.projectURL("/_apis/wit/wiql"),
		body:   WIQLQueryRequest{Query: wiql},
	})
	if err != nil {
		return nil, err
	}
	resp, err := decode[WIQLQueryResponse]("azuredevops.QueryByTag", data)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(resp.WorkItems))
	for i, ref := range resp.WorkItems {
		ids[i] = ref.ID
	}
	return ids, nil
}

func escapeWIQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// GetWorkItem retrieves a single work item with its relations.
func (c *Client) GetWorkItem(ctx context.Context, id int) (*WorkItem, error) {
	data, err := c.do(ctx, request{
		op:     "azuredevops.GetWorkItem",
		method: http.MethodGet,
		url:    c.projectURL("/_apis/wit/workitems/%d?$expand=relations", id),
	})
	if err != nil {
		return nil, err
	}
	return decode[WorkItem]("azuredevops.GetWorkItem", data)
}

// CreateWorkItem creates a work item of workItemType from patch operations.
func (c *Client) CreateWorkItem(ctx context.Context, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	data, err := c.do(ctx, request{
		op:          "azuredevops.CreateWorkItem",
		method:      http.MethodPost,
		url:         c.projectURL("/_apis/wit/workitems/$%s", url.PathEscape(workItemType)),
		body:        ops,
		contentType: "application/json-patch+json",
	})
	if err != nil {
		return nil, err
	}
	return decode[WorkItem]("azuredevops.CreateWorkItem", data)
}

// UpdateWorkItem applies patch operations to an existing work item.
func (c *Client) UpdateWorkItem(ctx context.Context, id int, ops []PatchOperation) (*WorkItem, error) {
	data, err := c.do(ctx, request{
		op:          "azuredevops.UpdateWorkItem",
		method:      http.MethodPatch,
		url:         c.projectURL("/_apis/wit/workitems/%d", id),
		body:        ops,
		contentType: "application/json-patch+json",
	})
	if err != nil {
		return nil, err
	}
	return decode[WorkItem]("azuredevops.UpdateWorkItem", data)
}

// ListComments returns every comment on a work item, following
// continuation tokens.
func (c *Client) ListComments(ctx context.Context, id int) ([]Comment, error) {
	var all []Comment
	token := ""
	for {
		u := c.projectURL("/_apis/wit/workItems/%d/comments?$top=%d", id, MaxPageSize)
		if token != "" {
			u += "&continuationToken=" + url.QueryEscape(token)
		}
		data, err := c.do(ctx, request{
			op:         "azuredevops.ListComments",
			method:     http.MethodGet,
			url:        u,
			apiVersion: CommentAPIVersion,
		})
		if err != nil {
			return nil, err
		}
		page, err := decode[CommentList]("azuredevops.ListComments", data)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Comments...)
		if page.ContinuationToken == "" || len(page.Comments) == 0 {
			return all, nil
		}
		token = page.ContinuationToken
	}
}

// AddComment posts an HTML comment on a work item.
func (c *Client) AddComment(ctx context.Context, id int, text string) (*Comment, error) {
	data, err := c.do(ctx, request{
		op:         "azuredevops.AddComment",
		method:     http.MethodPost,
		url:        c.projectURL("/_apis/wit/workItems/%d/comments", id),
		apiVersion: CommentAPIVersion,
		body:       AddCommentRequest{Text: text},
	})
	if err != nil {
		return nil, err
	}
	return decode[Comment]("azuredevops.AddComment", data)
}

// UploadAttachment stores content and returns a reference that can be
// linked to work items.
func (c *Client) UploadAttachment(ctx context.Context, fileName string, content []byte) (*AttachmentReference, error) {
	data, err := c.do(ctx, request{
		op:          "azuredevops.UploadAttachment",
		method:      http.MethodPost,
		url:         c.projectURL("/_apis/wit/attachments?fileName=%s", url.QueryEscape(fileName)),
		raw:         content,
		contentType: "application/octet-stream",
	})
	if err != nil {
		return nil, err
	}
	return decode[AttachmentReference]("azuredevops.UploadAttachment", data)
}

// WorkItemTypeStates returns the states of a work item type in workflow
// order.
func (c *Client) WorkItemTypeStates(ctx context.Context, workItemType string) ([]WorkItemStateColor, error) {
	data, err := c.do(ctx, request{
		op:     "azuredevops.WorkItemTypeStates",
		method: http.MethodGet,
		url:    c.projectURL("/_apis/wit/workitemtypes/%s/states", url.PathEscape(workItemType)),
	})
	if err != nil {
		return nil, err
	}
	resp, err := decode[StateList]("azuredevops.WorkItemTypeStates", data)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// SearchIdentities looks up identities by name or email.
func (c *Client) SearchIdentities(ctx context.Context, query string) ([]Identity, error) {
	u := fmt.Sprintf("%s/_apis/identities?searchFilter=General&filterValue=%s&queryMembership=None",
		c.IdentityURL, url.QueryEscape(query))
	data, err := c.do(ctx, request{
		op:     "azuredevops.SearchIdentities",
		method: http.MethodGet,
		url:    u,
	})
	if err != nil {
		return nil, err
	}
	resp, err := decode[IdentityList]("azuredevops.SearchIdentities", data)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// WorkItemAPIURL returns the API URL used to reference a work item in a
// relation.
func (c *Client) WorkItemAPIURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", c.BaseURL, id)
}

// BuildWorkItemURL returns the web URL for a work item.
func (c *Client) BuildWorkItemURL(id int) string {
	return fmt.Sprintf("%s/%s/_workitems/edit/%d", c.BaseURL, url.PathEscape(c.Project), id)
}

// ParseWorkItemID extracts the work item ID from a web or API URL.
func ParseWorkItemID(u string) (int, bool) {
	// URL format: https://dev.azure.com/org/project/_workitems/edit/123
	idx := strings.LastIndex(u, "/")
	if idx == -1 {
		return 0, false
	}
	id, err := strconv.Atoi(u[idx+1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
