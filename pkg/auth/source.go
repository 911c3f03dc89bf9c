package auth

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zoho_token_refreshes_total",
	Help: "Total access token refreshes by result",
}, []string{"result"})

// Source owns the access token of one client. The token is only replaced
// through Refresh, and at most one refresh is in flight at any time.
type Source struct {
	provider Provider
	creds    Credentials
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	token *Token

	group singleflight.Group
}

// NewSource creates a token source. No token is fetched until first use.
func NewSource(provider Provider, creds Credentials, logger zerolog.Logger) *Source {
	return &Source{
		provider: provider,
		creds:    creds,
		logger:   logger.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}
}

// Token returns the held access token, fetching one when none is held or the
// held one has outlived its expiry hint.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if !tok.Expired(s.now()) {
		return tok.AccessToken, nil
	}

	stale := ""
	if tok != nil {
		stale = tok.AccessToken
	}
	return s.Refresh(ctx, stale)
}

// Refresh replaces the token the caller saw rejected. If stale has already
// been replaced by a concurrent caller, the current token is returned without
// another network call. Concurrent refreshes of the same token are collapsed.
func (s *Source) Refresh(ctx context.Context, stale string) (string, error) {
	if tok, ok := s.replaced(stale); ok {
		return tok, nil
	}

	v, err, shared := s.group.Do("refresh", func() (any, error) {
		// A flight that finished just before this one started may already
		// have replaced the stale token.
		if tok, ok := s.replaced(stale); ok {
			return tok, nil
		}

		tok, err := s.provider.FetchToken(ctx, s.creds)
		if err != nil {
			tokenRefreshesTotal.WithLabelValues("error").Inc()
			s.logger.Error().Err(err).Msg("Access token refresh failed")
			return "", err
		}

		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()

		tokenRefreshesTotal.WithLabelValues("success").Inc()
		s.logger.Info().
			Dur("expires_in", tok.ExpiresIn).
			Msg("Access token refreshed")
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		s.logger.Debug().Msg("Joined in-flight token refresh")
	}
	return v.(string), nil
}

// replaced returns the held token when it is valid and differs from stale.
func (s *Source) replaced(stale string) (string, bool) {
	s.mu.RLock()
	cur := s.token
	s.mu.RUnlock()

	if cur != nil && cur.AccessToken != stale && !cur.Expired(s.now()) {
		return cur.AccessToken, true
	}
	return "", false
}

// Invalidate drops the held token so the next Token call fetches a new one.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
