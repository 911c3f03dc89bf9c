package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	zohoQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zoho_rate_limit_remaining",
		Help: "Requests remaining in the current Zoho rate limit window",
	})

	zohoRateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_rate_limit_waits_total",
		Help: "Total number of requests delayed by the rate limit tracker",
	}, []string{"reason"})

	zohoRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zoho_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for rate limit quota",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60},
	})
)

// Defaults for the tracker.
const (
	DefaultThrottleDelay = 1 * time.Second
	DefaultMaxWait       = 60 * time.Second
)

// Tracker observes the quota headers and gates requests.
type Tracker struct {
	store  Store
	logger zerolog.Logger

	// ThrottleDelay is slept before requests in the warning band.
	ThrottleDelay time.Duration

	// MaxWait caps the wait for a window reset.
	MaxWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:         store,
		logger:        logger.With().Str("component", "ratelimit").Logger(),
		ThrottleDelay: DefaultThrottleDelay,
		MaxWait:       DefaultMaxWait,
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// GetState returns the stored state, or a healthy default when nothing has
// been observed yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		t.logger.Debug().Msg("No rate limit state stored, assuming healthy")
		return DefaultState(t.now()), nil
	}
	return state, nil
}

// UpdateFromHeaders records the quota reported in a response. Responses
// without the headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	now := t.now()
	state := &State{
		Remaining:  remain,
		ResetAt:    now,
		LastUpdate: now,
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			state.Limit = limit
		}
	}

	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		resetSeconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
	}

	if err := t.store.Set(ctx, state); err != nil {
		return fmt.Errorf("store rate limit state: %w", err)
	}

	zohoQuotaRemaining.Set(float64(remain))

	event := t.logger.Debug()
	if state.Exhausted(now) {
		event = t.logger.Warn()
	}
	event.
		Int("remaining", remain).
		Int("limit", state.Limit).
		Time("reset_at", state.ResetAt).
		Msg("Rate limit state updated")

	return nil
}

// Wait blocks until a request may be sent. It never refuses a request; the
// executor still handles 429 responses itself.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		// A broken state store must not stop the export.
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable")
		return nil
	}

	now := t.now()
	var (
		delay  time.Duration
		reason string
	)
	switch {
	case state.Exhausted(now):
		delay = state.TimeUntilReset(now)
		if delay > t.MaxWait {
			delay = t.MaxWait
		}
		reason = "exhausted"
	case state.NeedsThrottling(now):
		delay = t.ThrottleDelay
		reason = "throttled"
	default:
		return nil
	}

	if delay <= 0 {
		return nil
	}

	zohoRateLimitWaitsTotal.WithLabelValues(reason).Inc()
	zohoRateLimitWaitSeconds.Observe(delay.Seconds())
	t.logger.Warn().
		Int("remaining", state.Remaining).
		Dur("wait", delay).
		Str("reason", reason).
		Msg("Delaying request for rate limit quota")

	return t.sleep(ctx, delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
