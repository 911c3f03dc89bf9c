// Package testutil provides testing utilities for the Zoho Invoice client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// TokenPath is the token endpoint served by MockZoho.
const TokenPath = "/oauth/v2/token"

// MockZohoResponse defines the behavior for a mock Zoho endpoint response.
type MockZohoResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockZoho is a configurable mock of the Zoho accounts and Invoice APIs.
// It serves both the token endpoint and the API paths from one server, so
// the same URL works as accounts URL and API domain.
type MockZoho struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// CheckAuth rejects API calls whose bearer token is not the current one.
	CheckAuth bool

	tokenSeq     int
	currentToken string

	// Tracking
	RequestCount      int
	TokenRequests     int
	LastRequestHeader http.Header
	queries           map[string][]url.Values
}

// NewMockZoho creates a new mock Zoho server.
func NewMockZoho() *MockZoho {
	mock := &MockZoho{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		queries:  make(map[string][]url.Values),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == TokenPath {
			mock.tokenHandler(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.queries[r.URL.Path] = append(mock.queries[r.URL.Path], r.URL.Query())
		handler, exists := mock.handlers[r.URL.Path]
		authorized := !mock.CheckAuth || r.Header.Get("Authorization") == "Zoho-oauthtoken "+mock.currentToken
		mock.mu.Unlock()

		if !authorized {
			writeResponse(w, NewUnauthorizedResponse())
			return
		}

		if exists {
			handler(w, r)
			return
		}

		writeResponse(w, NewJSONResponse(http.StatusNotFound, `{"code":5,"message":"Invalid URL Passed"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockZoho) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockZoho) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockZoho) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TokenRequests = 0
	m.LastRequestHeader = nil
	m.queries = make(map[string][]url.Values)
}

// ExpireToken invalidates the current access token. With CheckAuth set the
// next API call is answered with 401 until a new token is fetched.
func (m *MockZoho) ExpireToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentToken = ""
}

// CurrentToken returns the last token handed out.
func (m *MockZoho) CurrentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentToken
}

func (m *MockZoho) tokenHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenRequests++
	m.tokenSeq++
	m.currentToken = fmt.Sprintf("access-%d", m.tokenSeq)
	token := m.currentToken
	handler, exists := m.handlers[TokenPath]
	m.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}

	body, _ := json.Marshal(map[string]any{
		"access_token": token,
		"expires_in":   3600,
		"api_domain":   m.server.URL,
		"token_type":   "Bearer",
	})
	writeResponse(w, NewJSONResponse(http.StatusOK, string(body)))
}

// SetHandler sets a custom handler for a specific path.
func (m *MockZoho) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockZoho) SetResponse(path string, resp MockZohoResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers the path with the responses in order. The last one
// repeats once the sequence is used up.
func (m *MockZoho) SetSequence(path string, responses ...MockZohoResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetPagedList serves records under listKey, honoring the page and per_page
// query parameters and reporting page_context.has_more_page.
func (m *MockZoho) SetPagedList(path, listKey string, records []map[string]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := atoiDefault(r.URL.Query().Get("page"), 1)
		perPage := atoiDefault(r.URL.Query().Get("per_page"), 200)

		start := (page - 1) * perPage
		if start > len(records) {
			start = len(records)
		}
		end := start + perPage
		if end > len(records) {
			end = len(records)
		}

		body, _ := json.Marshal(map[string]any{
			"code":    0,
			"message": "success",
			listKey:   records[start:end],
			"page_context": map[string]any{
				"page":          page,
				"per_page":      perPage,
				"has_more_page": end < len(records),
			},
		})
		writeResponse(w, NewJSONResponse(http.StatusOK, string(body)))
	})
}

// GetRequestCount returns the number of API requests made to the server.
func (m *MockZoho) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetTokenRequests returns the number of token exchanges.
func (m *MockZoho) GetTokenRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenRequests
}

// Queries returns the query parameters seen for path, in request order.
func (m *MockZoho) Queries(path string) []url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]url.Values, len(m.queries[path]))
	copy(out, m.queries[path])
	return out
}

func writeResponse(w http.ResponseWriter, resp MockZohoResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// NewJSONResponse creates a response with a JSON content type.
func NewJSONResponse(status int, body string) MockZohoResponse {
	return MockZohoResponse{
		StatusCode: status,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
}

// NewHealthyResponse creates a 200 OK response with rate limit headers.
func NewHealthyResponse(data string) MockZohoResponse {
	resp := NewJSONResponse(http.StatusOK, data)
	resp.Headers["X-Rate-Limit-Limit"] = "1000"
	resp.Headers["X-Rate-Limit-Remaining"] = "900"
	resp.Headers["X-Rate-Limit-Reset"] = "60"
	return resp
}

// NewRateLimitResponse creates a 429 Too Many Requests response. An empty
// retryAfter omits the Retry-After header.
func NewRateLimitResponse(retryAfter string) MockZohoResponse {
	resp := NewJSONResponse(http.StatusTooManyRequests, `{"code":44,"message":"You have exceeded the maximum number of API calls"}`)
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockZohoResponse {
	return NewJSONResponse(http.StatusInternalServerError, `{"code":500,"message":"Internal server error"}`)
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockZohoResponse {
	return NewJSONResponse(http.StatusUnauthorized, `{"code":57,"message":"You are not authorized to perform this operation"}`)
}

// NewInvalidTokenResponse creates the 400 Zoho sends for a stale token.
func NewInvalidTokenResponse() MockZohoResponse {
	return NewJSONResponse(http.StatusBadRequest, `{"code":14,"message":"Invalid OAuthtoken"}`)
}
