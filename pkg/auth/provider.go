// Package auth exchanges the long-lived Zoho refresh token for short-lived
// access tokens and owns the token held by a client.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenPath is the refresh-grant endpoint below the accounts URL.
const TokenPath = "/oauth/v2/token"

// Credentials are the OAuth client settings. They are supplied by the caller
// and never persisted.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountsURL  string
}

// missing returns the names of the absent fields.
func (c Credentials) missing() []string {
	var out []string
	if c.ClientID == "" {
		out = append(out, "client_id")
	}
	if c.ClientSecret == "" {
		out = append(out, "client_secret")
	}
	if c.RefreshToken == "" {
		out = append(out, "refresh_token")
	}
	if c.AccountsURL == "" {
		out = append(out, "accounts_url")
	}
	return out
}

// Token is a bearer token with its lifetime hint.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
	ObtainedAt  time.Time
}

// Expired reports whether the token lifetime has elapsed at now. A token
// without lifetime hint never expires locally; the API tells us instead.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(t.ObtainedAt.Add(t.ExpiresIn))
}

// Provider fetches a fresh access token.
type Provider interface {
	FetchToken(ctx context.Context, creds Credentials) (*Token, error)
}

// tokenResponse is the accounts server reply, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	APIDomain        string `json:"api_domain,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RefreshProvider performs the refresh-token grant against the accounts server.
type RefreshProvider struct {
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRefreshProvider creates a provider. A nil httpClient gets a 30s timeout client.
func NewRefreshProvider(httpClient *http.Client, logger zerolog.Logger) *RefreshProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RefreshProvider{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "auth").Logger(),
		now:        time.Now,
	}
}

// FetchToken exchanges the refresh token for an access token. It makes exactly
// one network call and caches nothing.
func (p *RefreshProvider) FetchToken(ctx context.Context, creds Credentials) (*Token, error) {
	if missing := creds.missing(); len(missing) > 0 {
		return nil, &Error{Op: "fetch token", Missing: missing}
	}

	params := url.Values{}
	params.Set("refresh_token", creds.RefreshToken)
	params.Set("client_id", creds.ClientID)
	params.Set("client_secret", creds.ClientSecret)
	params.Set("grant_type", "refresh_token")

	tokenURL := strings.TrimRight(creds.AccountsURL, "/") + TokenPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return nil, &Error{Op: "fetch token", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	p.logger.Debug().Str("accounts_url", creds.AccountsURL).Msg("Requesting access token")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "fetch token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "fetch token", StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Op:          "fetch token",
			StatusCode:  resp.StatusCode,
			Code:        tr.Error,
			Description: orBody(tr.ErrorDescription, body),
		}
	}
	if decodeErr != nil {
		return nil, &Error{Op: "fetch token", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if tr.Error != "" {
		return nil, &Error{Op: "fetch token", StatusCode: resp.StatusCode, Code: tr.Error, Description: tr.ErrorDescription}
	}
	if tr.AccessToken == "" {
		return nil, &Error{Op: "fetch token", StatusCode: resp.StatusCode, Code: "missing_access_token", Description: "response has no access_token field"}
	}

	return &Token{
		AccessToken: tr.AccessToken,
		ExpiresIn:   time.Duration(tr.ExpiresIn) * time.Second,
		ObtainedAt:  p.now(),
	}, nil
}

func orBody(desc string, body []byte) string {
	if desc != "" {
		return desc
	}
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
