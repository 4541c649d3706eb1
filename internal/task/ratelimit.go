package task

import (
	"sync"
	"time"
)

// tokenBucket is a process-local rate limiter. Tokens refill continuously at
// rate per second up to a capacity equal to the rate; each dispatched task
// consumes one token. A non-positive rate disables limiting entirely.
//
// Each worker process enforces its own limit independently; the limit is not
// externalized to the store.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	tokens     float64
	lastRefill time.Time
}

// newTokenBucket creates a bucket starting full at the given rate.
func newTokenBucket(rate float64) *tokenBucket {
	return &tokenBucket{
		rate:       rate,
		tokens:     rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available and reports whether the caller may
// proceed. When no token is available the caller must skip work rather than
// block; tokens are never borrowed from the future.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rate <= 0 {
		return true
	}

	b.refillLocked(time.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// SetRate changes the refill rate (and capacity) at runtime. The current
// token count is clamped to the new capacity.
func (b *tokenBucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	b.rate = rate
	if rate > 0 && b.tokens > rate {
		b.tokens = rate
	}
}

// Rate returns the current refill rate.
func (b *tokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// refillLocked accrues tokens for the elapsed interval. Caller holds mu.
func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if b.rate <= 0 || elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.rate {
		b.tokens = b.rate
	}
}
