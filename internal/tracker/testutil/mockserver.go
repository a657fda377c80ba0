// Package testutil provides mock tracker servers for connector tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RecordedRequest stores information about a request made to the mock server.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Headers  http.Header
	Body     []byte
}

// MockResponse represents a configured response for the mock server.
type MockResponse struct {
	StatusCode int
	Body       any
	Headers    map[string]string
}

// MockTrackerServer is the base mock server for tracker tests. It records
// requests, serves canned responses and simulates failures.
type MockTrackerServer struct {
	Server *httptest.Server
	mu     sync.RWMutex

	// Recorded requests for assertions
	requests []RecordedRequest

	// Response configuration
	responses      map[string]MockResponse // "METHOD path" or path -> response
	defaultHandler func(w http.ResponseWriter, r *http.Request, body []byte)

	// Error simulation
	authError      bool
	serverError    bool
	rateLimitCount int    // Requests still to answer with 429
	rateLimitAfter string // Retry-After header value
}

// NewMockTrackerServer creates a new base mock server.
func NewMockTrackerServer() *MockTrackerServer {
	m := &MockTrackerServer{
		responses: make(map[string]MockResponse),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

// handleRequest records the request and returns the configured response.
func (m *MockTrackerServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Headers:  r.Header.Clone(),
		Body:     body,
	})
	authError, serverError := m.authError, m.serverError
	rateLimited := m.rateLimitCount > 0
	if rateLimited {
		m.rateLimitCount--
	}
	retryAfter := m.rateLimitAfter
	resp, found := m.responses[r.Method+" "+r.URL.Path]
	if !found {
		resp, found = m.responses[r.URL.Path]
	}
	handler := m.defaultHandler
	m.mu.Unlock()

	switch {
	case authError:
		WriteJSON(w, http.StatusUnauthorized, map[string]string{"message": "TF400813: The user is not authorized"})
		return
	case rateLimited:
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		WriteJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Rate limited"})
		return
	case serverError:
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
		return
	}

	if found {
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		WriteJSON(w, status, resp.Body)
		return
	}

	if handler != nil {
		handler(w, r, body)
		return
	}
	WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
}

// URL returns the mock server URL.
func (m *MockTrackerServer) URL() string {
	return m.Server.URL
}

// Close shuts down the mock server.
func (m *MockTrackerServer) Close() {
	m.Server.Close()
}

// SetResponse configures a response for a path, optionally prefixed with
// the method ("POST /x").
func (m *MockTrackerServer) SetResponse(key string, statusCode int, body any) {
	m.SetResponseWithHeaders(key, statusCode, body, nil)
}

// SetResponseWithHeaders configures a response with custom headers.
func (m *MockTrackerServer) SetResponseWithHeaders(key string, statusCode int, body any, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = MockResponse{StatusCode: statusCode, Body: body, Headers: headers}
}

// ClearResponse removes a configured response.
func (m *MockTrackerServer) ClearResponse(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, key)
}

// SetDefaultHandler sets a custom handler for unmatched requests.
func (m *MockTrackerServer) SetDefaultHandler(handler func(w http.ResponseWriter, r *http.Request, body []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultHandler = handler
}

// SetAuthError enables/disables 401 Unauthorized responses.
func (m *MockTrackerServer) SetAuthError(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authError = enabled
}

// SetRateLimit answers the next n requests with 429 and the given
// Retry-After value.
func (m *MockTrackerServer) SetRateLimit(n int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitCount = n
	m.rateLimitAfter = retryAfter
}

// SetServerError enables/disables 500 Internal Server Error responses.
func (m *MockTrackerServer) SetServerError(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverError = enabled
}

// GetRequests returns all recorded requests.
func (m *MockTrackerServer) GetRequests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]RecordedRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// CountRequests returns how many recorded requests match method and path.
// An empty method matches any method.
func (m *MockTrackerServer) CountRequests(method, path string) int {
	n := 0
	for _, r := range m.GetRequests() {
		if (method == "" || r.Method == method) && r.Path == path {
			n++
		}
	}
	return n
}

// ClearRequests clears all recorded requests.
func (m *MockTrackerServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
