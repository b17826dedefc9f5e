// Package cache stores normalized responses in Redis keyed by an exact
// request hash. Cache hits skip the upstream call and bill zero
// credits; streamed requests are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/layers-run/layers-gateway/internal/gateway/providers"
	"github.com/layers-run/layers-gateway/internal/shared/redis"
)

type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

// cacheKey derives a deterministic key from the request shape. Billing
// metadata never participates: two callers with identical requests
// share an entry.
func (c *Cache) cacheKey(req providers.ChatRequest) (string, error) {
	req.Stream = false
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return "cache:exact:" + hex.EncodeToString(hash[:]), nil
}

// Get retrieves a cached response
func (c *Cache) Get(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	key, err := c.cacheKey(req)
	if err != nil {
		return nil, err
	}

	val, err := c.redis.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var cached providers.ChatResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached response: %w", err)
	}
	cached.Layers = nil

	return &cached, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, req providers.ChatRequest, resp *providers.ChatResponse) error {
	key, err := c.cacheKey(req)
	if err != nil {
		return err
	}

	stored := *resp
	stored.Layers = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	return c.redis.Set(ctx, key, string(data), c.ttl)
}
