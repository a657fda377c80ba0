package rally

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

const testBase = "https://rally.test/slm/webservice/v2.0"

func newTestSource(t *testing.T) (*Source, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	c := NewClient(testBase, "test-key")
	c.HTTPClient = &http.Client{Transport: mt}
	return NewSource(c, nil), mt
}

// pagedResponder serves results as a WSAPI query, honouring start/pagesize.
func pagedResponder(results ...any) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		start, _ := strconv.Atoi(q.Get("start"))
		size, _ := strconv.Atoi(q.Get("pagesize"))
		if start < 1 {
			start = 1
		}
		if size <= 0 {
			size = MaxPageSize
		}
		from := min(start-1, len(results))
		to := min(from+size, len(results))
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"QueryResult": map[string]any{
				"Errors":           []string{},
				"TotalResultCount": len(results),
				"StartIndex":       start,
				"PageSize":         size,
				"Results":          results[from:to],
			},
		})
	}
}

func collection(path string, n int) map[string]any {
	return map[string]any{"_ref": testBase + path, "_type": "Collection", "Count": n}
}

func storyUS1() map[string]any {
	return map[string]any{
		"_ref":           testBase + "/hierarchicalrequirement/101",
		"_type":          "HierarchicalRequirement",
		"ObjectID":       101,
		"FormattedID":    "US1",
		"Name":           "Checkout flow",
		"Description":    "<p>Pay with card</p>",
		"ScheduleState":  "Accepted",
		"CreationDate":   "2024-03-01T10:00:00.000Z",
		"LastUpdateDate": "2024-03-05T12:30:00.000Z",
		"PlanEstimate":   5.0,
		"Owner": map[string]any{
			"_ref":           testBase + "/user/7",
			"_refObjectName": "Alice",
			"EmailAddress":   "alice@src.example",
		},
		"PortfolioItem": map[string]any{
			"_ref":           testBase + "/portfolioitem/feature/55",
			"_refObjectName": "Payments",
			"FormattedID":    "F1",
		},
		"TestCases":   collection("/hierarchicalrequirement/101/TestCases", 2),
		"Discussion":  collection("/hierarchicalrequirement/101/Discussion", 2),
		"Attachments": collection("/hierarchicalrequirement/101/Attachments", 1),
	}
}

func registerStory(mt *httpmock.MockTransport) {
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", pagedResponder(storyUS1()))
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement/101/TestCases", pagedResponder(
		map[string]any{"FormattedID": "TC9"},
		map[string]any{"FormattedID": "TC3"},
	))
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement/101/Discussion", pagedResponder(
		map[string]any{"ObjectID": 902, "PostNumber": 2, "Text": "second", "CreationDate": "2024-03-03T00:00:00.000Z",
			"User": map[string]any{"_refObjectName": "Bob", "UserName": "bob"}},
		map[string]any{"ObjectID": 901, "PostNumber": 1, "Text": "first", "CreationDate": "2024-03-02T00:00:00.000Z",
			"User": map[string]any{"_refObjectName": "Alice", "EmailAddress": "alice@src.example"}},
	))
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement/101/Attachments", pagedResponder(
		map[string]any{"ObjectID": 701, "Name": "mock.png", "ContentType": "image/png", "Size": 3,
			"Content": map[string]any{"_ref": testBase + "/attachmentcontent/801"}},
	))
}

func TestFetchItemStory(t *testing.T) {
	src, mt := newTestSource(t)
	registerStory(mt)

	rec, err := src.FetchItem(context.Background(), "US1")
	require.NoError(t, err)

	assert.Equal(t, "US1", rec.SourceID)
	assert.Equal(t, "HierarchicalRequirement", rec.Type)
	assert.Equal(t, "Checkout flow", rec.Title)
	assert.Equal(t, "Accepted", rec.State)
	assert.Equal(t, "F1", rec.ParentID)
	assert.Equal(t, []string{"TC3", "TC9"}, rec.TestCaseIDs)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rec.CreatedAt)

	require.Len(t, rec.Comments, 2)
	assert.Equal(t, "901", rec.Comments[0].ID)
	assert.Equal(t, "alice@src.example", rec.Comments[0].Author)
	assert.Equal(t, "bob", rec.Comments[1].Author)

	require.Len(t, rec.Attachments, 1)
	assert.Equal(t, "mock.png", rec.Attachments[0].Name)
	assert.Equal(t, testBase+"/attachmentcontent/801", rec.Attachments[0].ContentRef)

	assert.Equal(t, "alice@src.example", rec.Fields["Owner"])
	assert.Equal(t, 5.0, rec.Fields["PlanEstimate"])
	assert.Equal(t, 2.0, rec.Fields["TestCases"])
	assert.NotContains(t, rec.Fields, "_ref")
}

func TestFetchItemSendsAPIKeyAndQuery(t *testing.T) {
	src, mt := newTestSource(t)
	var got *http.Request
	mt.RegisterResponder("GET", testBase+"/defect", func(req *http.Request) (*http.Response, error) {
		got = req
		return pagedResponder(map[string]any{"_type": "Defect", "FormattedID": "DE4", "Name": "Crash"})(req)
	})

	rec, err := src.FetchItem(context.Background(), "DE4")
	require.NoError(t, err)
	assert.Equal(t, "Defect", rec.Type)

	require.NotNil(t, got)
	assert.Equal(t, "test-key", got.Header.Get("ZSESSIONID"))
	assert.Equal(t, `(FormattedID = "DE4")`, got.URL.Query().Get("query"))
	assert.Equal(t, "1", got.URL.Query().Get("start"))
	assert.Equal(t, "200", got.URL.Query().Get("pagesize"))
}

func TestFetchItemNotFound(t *testing.T) {
	src, mt := newTestSource(t)
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", pagedResponder())

	_, err := src.FetchItem(context.Background(), "US404")
	require.Error(t, err)
	assert.True(t, tracker.IsNotFound(err), "got %v", err)
}

func TestDefectParentResolvedFromRequirementRef(t *testing.T) {
	src, mt := newTestSource(t)
	mt.RegisterResponder("GET", testBase+"/defect", pagedResponder(map[string]any{
		"_type":       "Defect",
		"FormattedID": "DE2",
		"Name":        "Broken link",
		"Requirement": map[string]any{"_ref": testBase + "/hierarchicalrequirement/101", "_refObjectName": "Checkout flow"},
	}))
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement/101",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"HierarchicalRequirement": map[string]any{"FormattedID": "US1"},
		}))

	rec, err := src.FetchItem(context.Background(), "DE2")
	require.NoError(t, err)
	assert.Equal(t, "US1", rec.ParentID)
	assert.Empty(t, rec.TestCaseIDs)
}

func TestFetchChildren(t *testing.T) {
	src, mt := newTestSource(t)
	var queries []string
	record := func(results ...any) httpmock.Responder {
		return func(req *http.Request) (*http.Response, error) {
			queries = append(queries, req.URL.Query().Get("query"))
			return pagedResponder(results...)(req)
		}
	}
	mt.RegisterResponder("GET", testBase+"/portfolioitem", record(map[string]any{"FormattedID": "F7"}))
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", record(
		map[string]any{"FormattedID": "US2"},
		map[string]any{"FormattedID": "US1"},
	))

	ids, err := src.FetchChildren(context.Background(), "I1")
	require.NoError(t, err)
	assert.Equal(t, []string{"F7", "US1", "US2"}, ids)
	assert.Equal(t, []string{`(Parent.FormattedID = "I1")`, `(PortfolioItem.FormattedID = "I1")`}, queries)

	ids, err = src.FetchChildren(context.Background(), "TC1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListProjectPagesAndFilters(t *testing.T) {
	src, mt := newTestSource(t)
	stories := make([]any, 250)
	for i := range stories {
		stories[i] = map[string]any{"FormattedID": fmt.Sprintf("US%d", i+1)}
	}
	var query string
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", func(req *http.Request) (*http.Response, error) {
		query = req.URL.Query().Get("query")
		return pagedResponder(stories...)(req)
	})

	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ids, err := src.ListProject(context.Background(), tracker.FetchOptions{
		Since: &since,
		Types: []string{"HierarchicalRequirement"},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 250)
	assert.Equal(t, "US250", ids[249])
	assert.Equal(t, `(LastUpdateDate > "2024-01-02T03:04:05.000Z")`, query)
	assert.Equal(t, 2, mt.GetCallCountInfo()["GET "+testBase+"/hierarchicalrequirement"])

	ids, err = src.ListProject(context.Background(), tracker.FetchOptions{
		Types: []string{"HierarchicalRequirement"},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, ids, 10)
}

func TestListPathsOrder(t *testing.T) {
	src, _ := newTestSource(t)
	assert.Equal(t, []string{
		"portfolioitem/epic", "portfolioitem/feature", "portfolioitem/initiative",
		"hierarchicalrequirement", "defect", "testcase",
	}, src.listPaths(nil))
	assert.Equal(t, []string{"portfolioitem/feature", "defect"}, src.listPaths([]string{"Defect", "PortfolioItem/Feature"}))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		check     func(error) bool
	}{
		{"unauthorized status", httpmock.NewStringResponder(http.StatusUnauthorized, "denied"), tracker.IsAuth},
		{"not authorized in result", httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"QueryResult": map[string]any{"Errors": []string{"Not authorized to perform action: Invalid key"}},
		}), tracker.IsAuth},
		{"invalid query", httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"QueryResult": map[string]any{"Errors": []string{"Could not parse: Unknown operator"}},
		}), tracker.IsValidation},
		{"unavailable", httpmock.NewStringResponder(http.StatusServiceUnavailable, ""), tracker.IsTransient},
		{"transport", httpmock.NewErrorResponder(fmt.Errorf("connection reset")), tracker.IsTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, mt := newTestSource(t)
			mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", tt.responder)
			_, err := src.FetchItem(context.Background(), "US1")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestThrottledResponseCarriesRetryAfter(t *testing.T) {
	src, mt := newTestSource(t)
	mt.RegisterResponder("GET", testBase+"/hierarchicalrequirement", func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusTooManyRequests, "slow down")
		resp.Header.Set("Retry-After", "2")
		return resp, nil
	})
	_, err := src.FetchItem(context.Background(), "US1")
	require.Error(t, err)
	assert.True(t, tracker.IsTransient(err))
	assert.Equal(t, 2*time.Second, tracker.RetryAfter(err))
}

func TestDownloadAttachment(t *testing.T) {
	src, mt := newTestSource(t)
	mt.RegisterResponder("GET", testBase+"/attachmentcontent/801",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"AttachmentContent": map[string]any{"Content": base64.StdEncoding.EncodeToString([]byte("PNG"))},
		}))

	registerStory(mt)

	all, err := src.FetchAttachments(context.Background(), "US1")
	require.NoError(t, err)
	require.Len(t, all, 1)

	data, err := src.DownloadAttachment(context.Background(), all[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), data)

	bare := all[0]
	bare.ContentRef = ""
	_, err = src.DownloadAttachment(context.Background(), bare)
	assert.True(t, tracker.IsValidation(err))
}

func TestTypePath(t *testing.T) {
	src, _ := newTestSource(t)
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"US12", "hierarchicalrequirement", false},
		{"de3", "defect", false},
		{"TC100", "testcase", false},
		{"F5", "portfolioitem/feature", false},
		{"I1", "portfolioitem/initiative", false},
		{"E2", "portfolioitem/epic", false},
		{"X9", "", true},
		{"US", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := src.typePath(tt.id)
		if tt.wantErr {
			assert.True(t, tracker.IsValidation(err), "%s: %v", tt.id, err)
			continue
		}
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	t.Setenv("RALLY_API_KEY", "")
	src := &Source{}
	err := src.Init(ctx, tracker.NewConfig(ctx, "rally", tracker.MapConfigStore{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RALLY_API_KEY")

	store := tracker.MapConfigStore{
		"rally.api_key":                 "k",
		"rally.url":                     "https://example.test/wsapi/",
		"rally.project":                 "/project/42",
		"rally.max_concurrent_requests": "2",
		"rally.timeout":                 "5s",
		"rally.type_map.PI":             "PortfolioItem/Theme",
	}
	require.NoError(t, src.Init(ctx, tracker.NewConfig(ctx, "rally", store)))
	assert.Equal(t, "https://example.test/wsapi", src.client.BaseURL)
	assert.Equal(t, "/project/42", src.client.Project)
	assert.Equal(t, 5*time.Second, src.client.HTTPClient.Timeout)

	got, err := src.typePath("PI3")
	require.NoError(t, err)
	assert.Equal(t, "portfolioitem/theme", got)
}

func TestRegistered(t *testing.T) {
	s, err := tracker.NewSource("rally")
	require.NoError(t, err)
	assert.Equal(t, "rally", s.Name())
}
