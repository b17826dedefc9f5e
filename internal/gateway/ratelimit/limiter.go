// Package ratelimit enforces fixed-window per-user request limits.
//
// The counter lives behind CounterStore so the single-process memory
// implementation can be swapped for Redis without touching the
// pipeline. The memory store is only correct within one process; a
// deployment running multiple gateway instances needs the Redis store
// for a global guarantee.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// Window is the fixed rate-limit window length.
const Window = 60 * time.Second

// CounterStore atomically increments a window counter. ttl bounds how
// long the key outlives its window; implementations must never apply a
// read-then-write increment.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// DefaultLimits is the tier table of requests per window.
func DefaultLimits() map[models.Tier]int {
	return map[models.Tier]int{
		models.TierFree:    10,
		models.TierStarter: 60,
		models.TierPro:     300,
		models.TierTeam:    1000,
	}
}

// Limiter checks per-user request counts against tier limits.
type Limiter struct {
	store  CounterStore
	limits map[models.Tier]int

	now func() time.Time
}

// New creates a Limiter over the given counter store and tier table.
func New(store CounterStore, limits map[models.Tier]int) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// Check increments the caller's counter for the current window and
// compares it to the tier limit. Exceeding the limit only blocks the
// current window. On a counter-store error the limiter fails open and
// returns the error alongside an allowed result for the caller to log.
func (l *Limiter) Check(ctx context.Context, userID string, tier models.Tier) (Result, error) {
	limit, ok := l.limits[tier]
	if !ok {
		limit = l.limits[models.TierFree]
	}

	now := l.now()
	window := now.UnixMilli() / Window.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%d", userID, window)
	resetAt := time.UnixMilli((window + 1) * Window.Milliseconds())

	count, err := l.store.Incr(ctx, key, 2*Window)
	if err != nil {
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
