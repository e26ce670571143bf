package governance

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig defines the per-key token bucket.
type RateLimiterConfig struct {
	// RequestsPerSecond is the refill rate. Zero disables limiting.
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts buckets untouched for this long. Zero selects one minute.
	IdleTTL time.Duration
}

// RateLimiter implements token bucket rate limiting keyed by an arbitrary
// string, typically the remote IP of an inbound connection.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
		now:     time.Now,
	}
}

// Enabled reports whether any limit applies.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.config.RequestsPerSecond > 0
}

// Allow reports whether one more event for key fits in its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = newTokenBucket(rl.config.RequestsPerSecond, rl.config.BurstSize, rl.now())
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	return bucket.take(rl.now())
}

// Sweep drops buckets idle for longer than the configured TTL and returns
// how many were removed.
func (rl *RateLimiter) Sweep() int {
	if !rl.Enabled() {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTTL)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.idleSince(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every IdleTTL until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	if !rl.Enabled() {
		return
	}
	ticker := time.NewTicker(rl.config.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// Stats returns current rate limit statistics for all keys.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          float64 `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

func newTokenBucket(rate float64, burstSize int, now time.Time) *tokenBucket {
	if burstSize <= 0 {
		burstSize = int(rate) + 1
	}
	return &tokenBucket{
		rate:       rate,
		capacity:   float64(burstSize),
		tokens:     float64(burstSize), // Start with full bucket
		lastRefill: now,
	}
}

// take attempts to consume one token from the bucket.
func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) idleSince(cutoff time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill.Before(cutoff)
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Limit:          tb.rate,
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}
