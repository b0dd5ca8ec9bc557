package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows rate operations per second with bursts of burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// KeyedRateLimiter keeps one bucket per key (for example a client
// address). Idle buckets are dropped by Prune.
type KeyedRateLimiter struct {
	rate  float64
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *RateLimiter
	lastSeen time.Time
}

// NewKeyedRateLimiter returns an empty limiter family.
func NewKeyedRateLimiter(rate float64, burst int) *KeyedRateLimiter {
	return &KeyedRateLimiter{rate: rate, burst: burst, limiters: make(map[string]*keyedEntry)}
}

// Allow takes a token from key's bucket.
func (k *KeyedRateLimiter) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: NewRateLimiter(k.rate, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()
	return e.limiter.Allow()
}

// Prune drops buckets idle for longer than idle.
func (k *KeyedRateLimiter) Prune(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}
