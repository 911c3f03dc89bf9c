package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/zoho-invoice-export/internal/testutil"
	"github.com/Sternrassler/zoho-invoice-export/pkg/auth"
	"github.com/Sternrassler/zoho-invoice-export/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// fakeTokens is a TokenSource that counts refreshes.
type fakeTokens struct {
	mu        sync.Mutex
	current   string
	refreshes int
	err       error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		f.current = "access-1"
	}
	return f.current, nil
}

func (f *fakeTokens) Refresh(ctx context.Context, stale string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.refreshes++
	f.current = fmt.Sprintf("access-%d", f.refreshes+1)
	return f.current, nil
}

// newTestClient returns a client against baseURL whose sleeper records the
// requested delays.
func newTestClient(t *testing.T, baseURL string, tokens TokenSource) (*Client, *[]time.Duration) {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig(baseURL, "60012345")
	cfg.Retry = RetryPolicy{MaxRetries: 3, BackoffBase: time.Second, BackoffMax: 8 * time.Second}
	cfg.Logger = &logger

	c, err := New(cfg, tokens)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var slept []time.Duration
	c.SetSleeper(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	})
	return c, &slept
}

func TestNew_Validation(t *testing.T) {
	tokens := &fakeTokens{}

	tests := []struct {
		name        string
		config      Config
		tokens      TokenSource
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://www.zohoapis.com", "60012345"),
			tokens: tokens,
		},
		{
			name:        "missing base url",
			config:      DefaultConfig("", "60012345"),
			tokens:      tokens,
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "missing organization",
			config:      DefaultConfig("https://www.zohoapis.com", ""),
			tokens:      tokens,
			expectError: true,
			errorMsg:    "organization id is required",
		},
		{
			name:        "nil token source",
			config:      DefaultConfig("https://www.zohoapis.com", "60012345"),
			expectError: true,
			errorMsg:    "token source is required",
		},
		{
			name: "negative retries",
			config: Config{
				BaseURL:        "https://www.zohoapis.com",
				OrganizationID: "1",
				Retry:          RetryPolicy{MaxRetries: -1},
			},
			tokens:      tokens,
			expectError: true,
			errorMsg:    "max retries must be >= 0 (got -1)",
		},
		{
			name: "max below base",
			config: Config{
				BaseURL:        "https://www.zohoapis.com",
				OrganizationID: "1",
				Retry:          RetryPolicy{MaxRetries: 1, BackoffBase: 10 * time.Second, BackoffMax: time.Second},
			},
			tokens:      tokens,
			expectError: true,
			errorMsg:    "invalid backoff bounds: base 10s, max 1s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config, tt.tokens)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				} else if err.Error() != tt.errorMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errorMsg)
				}
				if client != nil {
					t.Error("expected nil client on error")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if client == nil {
				t.Error("expected non-nil client")
			}
		})
	}
}

func TestDo_SendsZohoHeaders(t *testing.T) {
	var got http.Header
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"code":0,"contacts":[]}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL+"/", &fakeTokens{})

	_, err := c.Get(context.Background(), "/invoice/v3/contacts", url.Values{"page": {"2"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if v := got.Get("Authorization"); v != "Zoho-oauthtoken access-1" {
		t.Errorf("Authorization = %q", v)
	}
	if v := got.Get(HeaderOrganizationID); v != "60012345" {
		t.Errorf("%s = %q", HeaderOrganizationID, v)
	}
	if v := got.Get("User-Agent"); v != "zoho-invoice-export/"+Version {
		t.Errorf("User-Agent = %q", v)
	}
	if gotQuery.Get("page") != "2" {
		t.Errorf("page query = %q, want 2", gotQuery.Get("page"))
	}
}

func TestDo_DecodesNumbersLosslessly(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/invoices/1", testutil.NewHealthyResponse(
		`{"invoice":{"invoice_id":"1","total":1234567890123456789}}`))

	c, _ := newTestClient(t, mock.URL(), &fakeTokens{})

	payload, err := c.Get(context.Background(), "/invoice/v3/invoices/1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	invoice := payload["invoice"].(map[string]any)
	total, ok := invoice["total"].(json.Number)
	if !ok {
		t.Fatalf("total has type %T, want json.Number", invoice["total"])
	}
	if total.String() != "1234567890123456789" {
		t.Errorf("total = %s", total)
	}
}

func TestDo_RateLimitHonorsRetryAfter(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetSequence("/invoice/v3/contacts",
		testutil.NewRateLimitResponse("2"),
		testutil.NewRateLimitResponse(""),
		testutil.NewHealthyResponse(`{"contacts":[]}`),
	)

	c, slept := newTestClient(t, mock.URL(), &fakeTokens{})

	if _, err := c.Get(context.Background(), "/invoice/v3/contacts", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	want := []time.Duration{2 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestDo_ServerErrorsExhaustBudget(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/items", testutil.NewServerErrorResponse())

	c, slept := newTestClient(t, mock.URL(), &fakeTokens{})

	_, err := c.Get(context.Background(), "/invoice/v3/items", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error type = %T, want *RetryExhaustedError", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", exhausted.Attempts)
	}
	if exhausted.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", exhausted.StatusCode)
	}
	if exhausted.ErrorClass != ErrorClassServer {
		t.Errorf("ErrorClass = %s, want server", exhausted.ErrorClass)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestDo_PerCallRetryOverride(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/items", testutil.NewServerErrorResponse())

	c, slept := newTestClient(t, mock.URL(), &fakeTokens{})

	_, err := c.Do(context.Background(), Request{Path: "/invoice/v3/items", MaxRetries: Retries(1)})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	if len(*slept) != 1 {
		t.Errorf("slept %v, want one backoff", *slept)
	}
}

func TestDo_UnauthorizedRefreshesOnce(t *testing.T) {
	tests := []struct {
		name     string
		rejected testutil.MockZohoResponse
	}{
		{"401", testutil.NewUnauthorizedResponse()},
		{"400 invalid token", testutil.NewInvalidTokenResponse()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockZoho()
			defer mock.Close()
			mock.SetSequence("/invoice/v3/contacts",
				tt.rejected,
				testutil.NewHealthyResponse(`{"contacts":[{"contact_id":"1"}]}`),
			)

			tokens := &fakeTokens{}
			c, slept := newTestClient(t, mock.URL(), tokens)

			if _, err := c.Get(context.Background(), "/invoice/v3/contacts", nil); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if tokens.refreshes != 1 {
				t.Errorf("refreshes = %d, want 1", tokens.refreshes)
			}
			if len(*slept) != 0 {
				t.Errorf("auth replay should not back off, slept %v", *slept)
			}
			if v := mock.LastRequestHeader.Get("Authorization"); v != "Zoho-oauthtoken access-2" {
				t.Errorf("replay Authorization = %q, want refreshed token", v)
			}
		})
	}
}

func TestDo_SecondUnauthorizedIsAuthError(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/contacts", testutil.NewUnauthorizedResponse())

	tokens := &fakeTokens{}
	c, _ := newTestClient(t, mock.URL(), tokens)

	_, err := c.Get(context.Background(), "/invoice/v3/contacts", nil)
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("error = %v, want auth.ErrAuth", err)
	}

	var authErr *auth.Error
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("error = %#v, want auth error with status 401", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestDo_RefreshFailurePropagates(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/contacts", testutil.NewUnauthorizedResponse())

	refreshErr := &auth.Error{Op: "refresh", StatusCode: 400, Code: "invalid_code"}
	c, _ := newTestClient(t, mock.URL(), &fakeTokens{err: refreshErr})

	_, err := c.Get(context.Background(), "/invoice/v3/contacts", nil)
	if !errors.Is(err, auth.ErrAuth) {
		t.Errorf("error = %v, want auth.ErrAuth", err)
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/invoices/999", testutil.NewJSONResponse(http.StatusNotFound,
		`{"code":1002,"message":"Invoice does not exist."}`))

	c, slept := newTestClient(t, mock.URL(), &fakeTokens{})

	_, err := c.Get(context.Background(), "/invoice/v3/invoices/999", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != 1002 || apiErr.Message != "Invoice does not exist." {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !errors.Is(err, ErrAPI) {
		t.Error("errors.Is(err, ErrAPI) = false")
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want none", *slept)
	}
}

func TestDo_NonObjectSuccessIsProtocolError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html", "<html>maintenance</html>"},
		{"array", `[{"contact_id":"1"}]`},
		{"null", "null"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockZoho()
			defer mock.Close()
			mock.SetResponse("/invoice/v3/contacts", testutil.MockZohoResponse{StatusCode: http.StatusOK, Body: tt.body})

			c, _ := newTestClient(t, mock.URL(), &fakeTokens{})

			_, err := c.Get(context.Background(), "/invoice/v3/contacts", nil)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("error = %v, want ErrProtocol", err)
			}
			if n := mock.GetRequestCount(); n != 1 {
				t.Errorf("requests = %d, want 1", n)
			}
		})
	}
}

func TestDo_NetworkErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c, slept := newTestClient(t, baseURL, &fakeTokens{})

	_, err := c.Get(context.Background(), "/invoice/v3/contacts", nil)

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *RetryExhaustedError", err)
	}
	if exhausted.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %s, want network", exhausted.ErrorClass)
	}
	if exhausted.Err == nil {
		t.Error("network cause should be preserved")
	}
	if len(*slept) != 3 {
		t.Errorf("slept %v, want 3 backoffs", *slept)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/contacts", testutil.NewServerErrorResponse())

	c, _ := newTestClient(t, mock.URL(), &fakeTokens{})

	ctx, cancel := context.WithCancel(context.Background())
	c.SetSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	_, err := c.Get(ctx, "/invoice/v3/contacts", nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestDo_UpdatesRateLimiter(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetResponse("/invoice/v3/contacts", testutil.NewHealthyResponse(`{"contacts":[]}`))

	tracker := ratelimit.NewTracker(ratelimit.NewMemoryStore(), zerolog.Nop())

	logger := zerolog.Nop()
	cfg := DefaultConfig(mock.URL(), "60012345")
	cfg.RateLimiter = tracker
	cfg.Logger = &logger
	c, err := New(cfg, &fakeTokens{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := c.Get(context.Background(), "/invoice/v3/contacts", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 900 || state.Limit != 1000 {
		t.Errorf("state = %+v, want limit 1000 remaining 900", state)
	}
}

func TestDo_EncodesBody(t *testing.T) {
	var got map[string]any
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"code":0}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, &fakeTokens{})

	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/invoice/v3/contacts",
		Body:   map[string]any{"contact_name": "Acme"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got["contact_name"] != "Acme" {
		t.Errorf("body = %v", got)
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorClass
	}{
		{200, "", ""},
		{204, "", ""},
		{400, `{"code":4,"message":"Invalid value passed"}`, ErrorClassClient},
		{400, `{"code":14,"message":"Invalid OAuthtoken"}`, ErrorClassAuth},
		{400, `{"error":"invalid_token"}`, ErrorClassAuth},
		{401, "", ErrorClassAuth},
		{403, "", ErrorClassClient},
		{404, "", ErrorClassClient},
		{429, "", ErrorClassRateLimit},
		{500, "", ErrorClassServer},
		{503, "", ErrorClassServer},
		{302, "", ErrorClassClient},
	}

	for _, tt := range tests {
		if got := classifyResponse(tt.status, []byte(tt.body)); got != tt.want {
			t.Errorf("classifyResponse(%d, %q) = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}
