package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the in-process CounterStore: a mutex-guarded map with
// a periodic sweep that drops expired windows, bounding memory to
// active users. State is lost on restart, which is acceptable for
// rate-limit windows.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	stop    chan struct{}
}

// NewMemoryStore creates a memory store and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Incr create-or-fetches the counter entry and increments it under the
// lock, so concurrent arrivals are never undercounted.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Stop terminates the sweeper goroutine.
func (s *MemoryStore) Stop() {
	close(s.stop)
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(Window)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
