package rally

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

// Client talks to the Rally Web Services API v2.0.
type Client struct {
	BaseURL    string
	APIKey     string
	Workspace  string // Workspace ref, optional
	Project    string // Project ref, optional
	HTTPClient *http.Client
	Throttle   *tracker.Throttle
}

// NewClient creates a client authenticating with an API key.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// get performs an authenticated GET of path (relative to BaseURL, or an
// absolute ref) and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	reqURL := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		reqURL = c.BaseURL + "/" + strings.TrimPrefix(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + query.Encode()
	}

	var body []byte
	err := c.Throttle.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("%s: failed to create request: %w", op, err)
		}
		req.Header.Set("ZSESSIONID", c.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return tracker.ClassifyTransport(op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return tracker.TransientError(op, fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return tracker.ClassifyResponse(op, resp, data)
		}
		body = data
		return nil
	})
	return body, err
}

// queryPage fetches one page and checks the envelope for API errors.
func (c *Client) queryPage(ctx context.Context, op, path string, query url.Values) (*QueryResult, error) {
	data, err := c.get(ctx, op, path, query)
	if err != nil {
		return nil, err
	}
	var env QueryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w", op, err)
	}
	if err := resultError(op, env.QueryResult.Errors); err != nil {
		return nil, err
	}
	return &env.QueryResult, nil
}

// resultError classifies the Errors array WSAPI returns with a 200.
func resultError(op string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not authorized"), strings.Contains(lower, "unauthorized"):
		return tracker.AuthError(op, errors.New(msg))
	case strings.Contains(lower, "concurrency conflict"), strings.Contains(lower, "timeout"):
		return tracker.TransientError(op, errors.New(msg))
	}
	return tracker.ValidationError(op, "", errors.New(msg))
}

// Query runs a WSAPI query against typePath, following pages until the
// result set is exhausted or limit results were read (zero means no limit).
func (c *Client) Query(ctx context.Context, typePath, query string, fetch []string, limit int) ([]json.RawMessage, error) {
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	params.Set("fetch", strings.Join(fetch, ","))
	params.Set("order", "ObjectID")
	if c.Workspace != "" {
		params.Set("workspace", c.Workspace)
	}
	if c.Project != "" {
		params.Set("project", c.Project)
		params.Set("projectScopeDown", "true")
	}
	return c.pages(ctx, "rally.Query("+typePath+")", typePath, params, limit)
}

// Collection reads every entry of a sub-collection ref such as an
// artifact's TestCases.
func (c *Client) Collection(ctx context.Context, ref string, fetch []string) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("fetch", strings.Join(fetch, ","))
	return c.pages(ctx, "rally.Collection", ref, params, 0)
}

func (c *Client) pages(ctx context.Context, op, path string, params url.Values, limit int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	start := 1
	for {
		params.Set("start", strconv.Itoa(start))
		params.Set("pagesize", strconv.Itoa(MaxPageSize))

		page, err := c.queryPage(ctx, op, path, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if limit > 0 && len(all) >= limit {
			return all[:limit], nil
		}
		start += len(page.Results)
		if len(page.Results) == 0 || start > page.TotalResultCount {
			return all, nil
		}
	}
}

// GetObject reads a single object by ref. WSAPI wraps the object in an
// envelope keyed by its type name.
func (c *Client) GetObject(ctx context.Context, ref string, fetch []string) (json.RawMessage, error) {
	params := url.Values{}
	if len(fetch) > 0 {
		params.Set("fetch", strings.Join(fetch, ","))
	}
	data, err := c.get(ctx, "rally.GetObject", ref, params)
	if err != nil {
		return nil, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("rally.GetObject: failed to parse response: %w", err)
	}
	if raw, ok := env["OperationResult"]; ok {
		var res struct {
			Errors []string `json:"Errors"`
		}
		if err := json.Unmarshal(raw, &res); err == nil {
			if err := resultError("rally.GetObject", res.Errors); err != nil {
				return nil, err
			}
		}
	}
	for key, raw := range env {
		if key != "OperationResult" {
			return raw, nil
		}
	}
	return nil, tracker.NotFoundError("rally.GetObject", ref)
}

// DownloadContent fetches an AttachmentContent object and decodes it.
func (c *Client) DownloadContent(ctx context.Context, ref string) ([]byte, error) {
	raw, err := c.GetObject(ctx, ref, []string{"Content"})
	if err != nil {
		return nil, err
	}
	var content AttachmentContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("rally.DownloadContent: failed to parse content: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		return nil, tracker.ValidationError("rally.DownloadContent", "Content", err)
	}
	return data, nil
}
