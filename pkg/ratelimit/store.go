package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists the quota state. Redis shares it between processes that
// export from the same organization; memory keeps it per process.
type Store interface {
	// Get returns the stored state or nil when nothing was stored yet.
	Get(ctx context.Context) (*State, error)
	Set(ctx context.Context, state *State) error
}

// MemoryStore keeps the state in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, state *State) error {
	cp := *state
	m.mu.Lock()
	m.state = &cp
	m.mu.Unlock()
	return nil
}

// RedisKeyPrefix namespaces the state keys; the organization id is appended.
const RedisKeyPrefix = "zoho:rate_limit:"

// RedisStore keeps the state in Redis under one key per organization.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a store for the given organization.
func NewRedisStore(client *redis.Client, organizationID string) *RedisStore {
	return &RedisStore{
		redis: client,
		key:   RedisKeyPrefix + organizationID,
	}
}

// Key returns the Redis key of the state.
func (r *RedisStore) Key() string {
	return r.key
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context) (*State, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}
	return &state, nil
}

// Set implements Store. The key expires together with the window, a state
// past its reset carries no information.
func (r *RedisStore) Set(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}

	ttl := state.ResetAt.Sub(state.LastUpdate)
	if ttl <= 0 {
		ttl = 0
	}
	if err := r.redis.Set(ctx, r.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set rate limit state: %w", err)
	}
	return nil
}
