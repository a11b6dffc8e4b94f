package webhook

import (
	"sync"
	"time"
)

// maxTrackedKeys caps tracked rate-limit keys so rotating source IPs
// cannot exhaust memory.
const maxTrackedKeys = 4096

const rateLimitWindow = 60 * time.Second

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter is a bounded sliding-window request counter keyed by
// caller. Safe for concurrent use.
type RateLimiter struct {
	maxHits int

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewRateLimiter builds a limiter allowing maxHits requests per key
// per minute. maxHits <= 0 disables limiting.
func NewRateLimiter(maxHits int) *RateLimiter {
	return &RateLimiter{
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether the key is within its window budget. Stale
// entries are pruned when the tracked-key cap is reached.
func (r *RateLimiter) Allow(key string) bool {
	if r.maxHits <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= r.maxHits
}
