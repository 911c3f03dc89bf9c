// Package client provides the Zoho Invoice HTTP client with token refresh,
// retry and backoff, and rate limit tracking.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/zoho-invoice-export/pkg/auth"
	"github.com/Sternrassler/zoho-invoice-export/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is reported in the User-Agent header.
const Version = "0.3.0"

// Request headers understood by the Zoho Invoice API.
const (
	HeaderOrganizationID = "X-com-zoho-invoice-organizationid"
	AuthScheme           = "Zoho-oauthtoken"
)

// Prometheus metrics for Zoho client operations.
var (
	zohoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_requests_total",
		Help: "Total Zoho API requests by method and status",
	}, []string{"method", "status"})

	zohoRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zoho_request_duration_seconds",
		Help:    "Zoho API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	zohoErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_errors_total",
		Help: "Total Zoho API errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401 and invalid-token 400 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassProtocol represents 2xx responses that are not a JSON object.
	ErrorClassProtocol ErrorClass = "protocol"
)

// TokenSource hands out the bearer token and replaces it on demand.
// *auth.Source implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is encoded as JSON when not nil.
	Body any

	// MaxRetries overrides the client retry budget for this call.
	MaxRetries *int
}

// Retries is a helper for Request.MaxRetries.
func Retries(n int) *int {
	return &n
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API domain, e.g. https://www.zohoapis.com.
	BaseURL string

	// OrganizationID is sent in the tenant header on every call.
	OrganizationID string

	UserAgent string
	Timeout   time.Duration

	Retry RetryPolicy

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client

	// RateLimiter is optional.
	RateLimiter *ratelimit.Tracker

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, organizationID string) Config {
	return Config{
		BaseURL:        baseURL,
		OrganizationID: organizationID,
		UserAgent:      "zoho-invoice-export/" + Version,
		Timeout:        30 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Client is the Zoho Invoice API client. It is safe for sequential use by one
// export run; token refresh is serialized by the token source.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	limiter    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.OrganizationID == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BackoffBase < 0 || cfg.Retry.BackoffMax < cfg.Retry.BackoffBase {
		return nil, fmt.Errorf("invalid backoff bounds: base %v, max %v", cfg.Retry.BackoffBase, cfg.Retry.BackoffMax)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "zoho-invoice-export/" + Version
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    cfg.RateLimiter,
		config:     cfg,
		logger:     base.With().Str("component", "zoho-client").Logger(),
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// outcome is the classified result of one HTTP attempt.
type outcome struct {
	class      ErrorClass
	status     int
	body       []byte
	retryAfter string
	payload    map[string]any
	err        error
}

// Do performs a request with auth headers, retries and backoff, and returns
// the decoded JSON object of the response.
func (c *Client) Do(ctx context.Context, r Request) (map[string]any, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	budget := c.config.Retry.MaxRetries
	if r.MaxRetries != nil {
		budget = *r.MaxRetries
	}

	var body []byte
	if r.Body != nil {
		var err error
		if body, err = json.Marshal(r.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := false
	retries := 0
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		out := c.attempt(ctx, r, body, token)
		if out.class == "" {
			if retries > 0 || refreshed {
				c.logger.Info().
					Str("path", r.Path).
					Int("retries", retries).
					Bool("refreshed", refreshed).
					Msg("Request succeeded after retry")
			}
			return out.payload, nil
		}

		zohoErrorsTotal.WithLabelValues(string(out.class)).Inc()

		if out.class == ErrorClassNetwork && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		switch out.class {
		case ErrorClassAuth:
			if refreshed {
				c.logger.Error().Str("path", r.Path).Int("status", out.status).Msg("Unauthorized after token refresh")
				return nil, &auth.Error{
					Op:          "request " + r.Method + " " + r.Path,
					StatusCode:  out.status,
					Description: "unauthorized after token refresh: " + truncate(out.body),
				}
			}
			refreshed = true
			c.logger.Info().Str("path", r.Path).Int("status", out.status).Msg("Access token rejected, refreshing")
			if token, err = c.tokens.Refresh(ctx, token); err != nil {
				return nil, err
			}
			continue

		case ErrorClassClient:
			return nil, newAPIError(r.Method, r.Path, out.status, out.body)

		case ErrorClassProtocol:
			return nil, &ProtocolError{
				Method:     r.Method,
				Path:       r.Path,
				StatusCode: out.status,
				Body:       truncate(out.body),
				Err:        out.err,
			}
		}

		if !shouldRetry(out.class) {
			return nil, fmt.Errorf("unhandled error class %q", out.class)
		}

		if retries >= budget {
			zohoRetryExhaustedTotal.WithLabelValues(string(out.class)).Inc()
			c.logger.Error().
				Str("path", r.Path).
				Str("error_class", string(out.class)).
				Int("attempts", retries+1).
				Msg("Retry attempts exhausted")
			return nil, &RetryExhaustedError{
				Method:     r.Method,
				Path:       r.Path,
				ErrorClass: out.class,
				Attempts:   retries + 1,
				StatusCode: out.status,
				Body:       truncate(out.body),
				Err:        out.err,
			}
		}

		delay := c.config.Retry.Backoff(retries)
		if out.class == ErrorClassRateLimit {
			delay = c.config.Retry.Delay(retries, out.retryAfter, c.now())
		}
		retries++

		zohoRetriesTotal.WithLabelValues(string(out.class)).Inc()
		zohoRetryBackoffSeconds.WithLabelValues(string(out.class)).Observe(delay.Seconds())
		c.logger.Warn().
			Str("path", r.Path).
			Str("error_class", string(out.class)).
			Int("status", out.status).
			Int("retry", retries).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}
}

// attempt sends one HTTP request and classifies the result.
func (c *Client) attempt(ctx context.Context, r Request, body []byte, token string) outcome {
	u := c.config.BaseURL + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, reader)
	if err != nil {
		return outcome{class: ErrorClassClient, err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Authorization", AuthScheme+" "+token)
	req.Header.Set(HeaderOrganizationID, c.config.OrganizationID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().
		Str("method", r.Method).
		Str("path", r.Path).
		Msg("Executing Zoho request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	zohoRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		zohoRequestsTotal.WithLabelValues(r.Method, "network_error").Inc()
		c.logger.Warn().Err(err).Str("path", r.Path).Msg("HTTP request failed")
		return outcome{class: ErrorClassNetwork, err: err}
	}
	defer resp.Body.Close()

	zohoRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if c.limiter != nil {
		if err := c.limiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome{class: ErrorClassNetwork, status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}

	out := outcome{
		class:      classifyResponse(resp.StatusCode, respBody),
		status:     resp.StatusCode,
		body:       respBody,
		retryAfter: resp.Header.Get("Retry-After"),
	}
	if out.class != "" {
		c.logger.Debug().
			Str("path", r.Path).
			Int("status", resp.StatusCode).
			Str("class", string(out.class)).
			Msg("Error classified")
		return out
	}

	payload, err := decodeObject(respBody)
	if err != nil {
		out.class = ErrorClassProtocol
		out.err = err
		return out
	}
	out.payload = payload
	return out
}

// classifyResponse maps a status (and body, for the invalid-token 400) to an
// error class. Success returns "".
func classifyResponse(status int, body []byte) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusBadRequest && isInvalidToken(body):
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500 && status <= 599:
		return ErrorClassServer
	case status < 200 || status >= 300:
		return ErrorClassClient
	default:
		return ""
	}
}

func isInvalidToken(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "invalid_token") || strings.Contains(lower, "invalid oauthtoken")
}

// decodeObject decodes a JSON object keeping numbers as json.Number.
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	if payload == nil {
		return nil, errors.New("response is not a json object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after json object")
	}
	return payload, nil
}

// Get performs a GET request and returns the decoded object.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetSleeper replaces the backoff sleeper (for testing).
func (c *Client) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	c.sleep = sleep
}
