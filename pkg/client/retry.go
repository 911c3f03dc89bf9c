package client

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	zohoRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	zohoRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zoho_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	zohoRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy holds the retry budget and the backoff bounds.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMax caps the computed delay.
	BackoffMax time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  5,
		BackoffBase: 1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Backoff returns min(BackoffMax, BackoffBase * 2^attempt). attempt counts
// the retries already consumed, starting at 0.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BackoffBase
	for i := 0; i < attempt; i++ {
		if delay >= p.BackoffMax || delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	return delay
}

// Delay picks the wait before the next attempt: the server hint when one was
// given and parses, the computed backoff otherwise.
func (p RetryPolicy) Delay(attempt int, retryAfter string, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, now); ok {
		return d
	}
	return p.Backoff(attempt)
}

// parseRetryAfter reads a Retry-After value in delta seconds or HTTP date
// form. Delta seconds are raised to at least one second.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < time.Second {
			d = time.Second
		}
		return d, true
	}

	return 0, false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
