// Package ratelimit tracks the Zoho API request quota and delays requests
// when the quota of the current window is used up.
// It reads the X-Rate-Limit-Remaining and X-Rate-Limit-Reset response headers.
package ratelimit

import (
	"time"
)

// Response headers carrying the quota.
const (
	HeaderLimit     = "X-Rate-Limit-Limit"
	HeaderRemaining = "X-Rate-Limit-Remaining"
	HeaderReset     = "X-Rate-Limit-Reset"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdExhausted makes requests wait for the window reset when the
	// remaining quota falls below this value.
	ThresholdExhausted = 1

	// ThresholdWarning slows requests down when the remaining quota falls
	// below this value.
	ThresholdWarning = 10
)

// State is the last observed quota of an organization.
type State struct {
	// Limit is the window size, 0 when the server did not say.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was observed.
	LastUpdate time.Time `json:"last_update"`
}

// DefaultState is assumed until the first response reports real numbers.
func DefaultState(now time.Time) *State {
	return &State{
		Remaining:  ThresholdWarning * 10,
		ResetAt:    now,
		LastUpdate: now,
	}
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Exhausted returns true when requests must wait for the reset. A reset time
// in the past means the window already rolled over.
func (s *State) Exhausted(now time.Time) bool {
	return s.Remaining < ThresholdExhausted && now.Before(s.ResetAt)
}

// NeedsThrottling returns true when the quota is low but not used up.
func (s *State) NeedsThrottling(now time.Time) bool {
	return s.Remaining < ThresholdWarning && !s.Exhausted(now) && now.Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the window resets, 0 if it has passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
