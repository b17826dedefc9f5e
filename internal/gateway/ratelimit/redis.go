package ratelimit

import (
	"context"
	"time"

	"github.com/layers-run/layers-gateway/internal/shared/redis"
)

// RedisStore is the shared CounterStore for multi-process deployments:
// every gateway instance increments the same window keys.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr delegates to Redis INCR+EXPIRE in one pipeline.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.client.IncrWindow(ctx, key, ttl)
}
