package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestTracker returns a tracker on a memory store with a frozen clock and
// a sleeper that records instead of waiting.
func newTestTracker(now time.Time) (*Tracker, *[]time.Duration) {
	tracker := NewTracker(NewMemoryStore(), zerolog.Nop())
	tracker.now = func() time.Time { return now }

	var slept []time.Duration
	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return tracker, &slept
}

func TestUpdateFromHeaders_ValidHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		limit         string
		remaining     string
		reset         string
		wantRemaining int
		wantLimit     int
		wantReset     time.Time
	}{
		{
			name:          "full headers",
			limit:         "1000",
			remaining:     "950",
			reset:         "60",
			wantRemaining: 950,
			wantLimit:     1000,
			wantReset:     now.Add(60 * time.Second),
		},
		{
			name:          "no reset header",
			remaining:     "12",
			wantRemaining: 12,
			wantReset:     now,
		},
		{
			name:          "exhausted",
			limit:         "100",
			remaining:     "0",
			reset:         "30",
			wantRemaining: 0,
			wantLimit:     100,
			wantReset:     now.Add(30 * time.Second),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(now)
			ctx := context.Background()

			headers := http.Header{}
			if tt.limit != "" {
				headers.Set(HeaderLimit, tt.limit)
			}
			headers.Set(HeaderRemaining, tt.remaining)
			if tt.reset != "" {
				headers.Set(HeaderReset, tt.reset)
			}

			if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if state.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", state.Limit, tt.wantLimit)
			}
			if !state.ResetAt.Equal(tt.wantReset) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.wantReset)
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	tests := []struct {
		name        string
		remaining   string
		reset       string
		shouldError bool
	}{
		{"missing remaining header", "", "60", false},
		{"invalid remaining header", "lots", "60", true},
		{"invalid reset header", "100", "soon", true},
		{"both headers missing", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(time.Now())

			headers := http.Header{}
			if tt.remaining != "" {
				headers.Set(HeaderRemaining, tt.remaining)
			}
			if tt.reset != "" {
				headers.Set(HeaderReset, tt.reset)
			}

			err := tracker.UpdateFromHeaders(context.Background(), headers)
			if tt.shouldError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestWait(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		remaining string
		reset     string
		wantSleep []time.Duration
	}{
		{"no state yet", "", "", nil},
		{"healthy", "500", "60", nil},
		{"throttled", "5", "60", []time.Duration{DefaultThrottleDelay}},
		{"exhausted waits for reset", "0", "20", []time.Duration{20 * time.Second}},
		{"exhausted wait is capped", "0", "3600", []time.Duration{DefaultMaxWait}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, slept := newTestTracker(now)
			ctx := context.Background()

			if tt.remaining != "" {
				headers := http.Header{}
				headers.Set(HeaderRemaining, tt.remaining)
				headers.Set(HeaderReset, tt.reset)
				if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
					t.Fatalf("UpdateFromHeaders() error = %v", err)
				}
			}

			if err := tracker.Wait(ctx); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}

			if len(*slept) != len(tt.wantSleep) {
				t.Fatalf("slept %v, want %v", *slept, tt.wantSleep)
			}
			for i := range tt.wantSleep {
				if (*slept)[i] != tt.wantSleep[i] {
					t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], tt.wantSleep[i])
				}
			}
		})
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	now := time.Now()
	tracker := NewTracker(NewMemoryStore(), zerolog.Nop())
	tracker.now = func() time.Time { return now }

	headers := http.Header{}
	headers.Set(HeaderRemaining, "0")
	headers.Set(HeaderReset, "30")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context) (*State, error) { return nil, errors.New("store down") }
func (failingStore) Set(ctx context.Context, s *State) error { return errors.New("store down") }

func TestWait_StoreFailureDoesNotBlock(t *testing.T) {
	tracker := NewTracker(failingStore{}, zerolog.Nop())

	if err := tracker.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v, want nil", err)
	}

	headers := http.Header{}
	headers.Set(HeaderRemaining, "10")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err == nil {
		t.Error("UpdateFromHeaders() should report the store failure")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if s, err := store.Get(ctx); s != nil || err != nil {
		t.Fatalf("empty store Get() = %v, %v", s, err)
	}

	original := &State{Remaining: 7}
	store.Set(ctx, original)
	original.Remaining = 99

	got, _ := store.Get(ctx)
	if got.Remaining != 7 {
		t.Errorf("Remaining = %d, want 7", got.Remaining)
	}
}
