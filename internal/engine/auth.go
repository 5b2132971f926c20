package engine

import (
	"context"
	"sync"
	"time"
)

// AuthCache remembers IsAuthenticated results per engine id for ttl.
// Results may be stale by up to ttl.
type AuthCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]authEntry
}

type authEntry struct {
	ok      bool
	expires time.Time
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now, entries: make(map[string]authEntry)}
}

// WithClock replaces the time source. Used by tests.
func (c *AuthCache) WithClock(now func() time.Time) *AuthCache {
	c.now = now
	return c
}

// IsAuthenticated probes e unless a fresh result is cached. A nil cache
// always probes.
func (c *AuthCache) IsAuthenticated(ctx context.Context, e Engine) bool {
	if c == nil {
		return e.IsAuthenticated(ctx)
	}

	c.mu.Lock()
	entry, ok := c.entries[e.ID()]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.ok
	}

	// Probe outside the lock; concurrent misses may probe twice.
	result := e.IsAuthenticated(ctx)
	if ctx.Err() != nil {
		// An interrupted probe says nothing about the engine.
		return result
	}

	c.mu.Lock()
	c.entries[e.ID()] = authEntry{ok: result, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return result
}

func (c *AuthCache) Invalidate(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
