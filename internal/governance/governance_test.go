package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterPerKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	rl.now = clock.now

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are independent")

	clock.advance(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	stats := rl.Stats()
	require.Contains(t, stats, "10.0.0.1")
	assert.Equal(t, 2, stats["10.0.0.1"].BurstSize)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Enabled())
	assert.Empty(t, rl.Stats())

	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("x"))
}

func TestRateLimiterSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 10, IdleTTL: time.Minute})
	rl.now = clock.now

	rl.Allow("old")
	clock.advance(2 * time.Minute)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Sweep())
	assert.NotContains(t, rl.Stats(), "old")
	assert.Contains(t, rl.Stats(), "fresh")
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: 10 * time.Second})
	cb.now = clock.now
	ctx := context.Background()
	boom := errors.New("connection refused")

	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.ExecuteContext(ctx, ok), ErrCircuitOpen)

	clock.advance(11 * time.Second)
	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), boom, "trial call is let through")
	assert.Equal(t, StateOpen, cb.State(), "failed trial reopens")

	clock.advance(11 * time.Second)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, 3, stats.Failures)
	assert.Equal(t, 1, stats.Successes)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.ExecuteContext(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

type countingDialer struct {
	calls int
	err   error
}

func (d *countingDialer) Dial(context.Context, string, stream.Target) (xmpp.Conn, error) {
	d.calls++
	return nil, d.err
}

func TestGuardedDialerSkipsOpenEndpoints(t *testing.T) {
	next := &countingDialer{err: errors.New("connection refused")}
	dialer := NewGuardedDialer(next, CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}, nil)
	dead := stream.Target{Host: "10.0.0.9", Port: 5269}
	ctx := context.Background()

	_, err := dialer.Dial(ctx, "remote.net", dead)
	require.Error(t, err)
	_, err = dialer.Dial(ctx, "remote.net", dead)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, next.calls)

	_, err = dialer.Dial(ctx, "remote.net", stream.Target{Host: "10.0.0.10", Port: 5269})
	require.Error(t, err)
	assert.Equal(t, 2, next.calls)

	assert.Equal(t, "open", dialer.Stats()["10.0.0.9:5269"].State)

	dialer.ResetBreakers()
	assert.Equal(t, "closed", dialer.Stats()["10.0.0.9:5269"].State)
	_, err = dialer.Dial(ctx, "remote.net", dead)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, next.calls)
}
