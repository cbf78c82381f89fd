package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/observability"
)

// fakeClock advances only when told, so refill math is exact.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, maxTokens int, window time.Duration, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := New(maxTokens, window, append(opts, WithClock(clock.Now))...)
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)

	allowed, decision := l.Check("10.0.0.1")
	require.True(t, allowed)
	require.Equal(t, 2, decision.Limit)
	require.Equal(t, 1, decision.Remaining)

	allowed, decision = l.Check("10.0.0.1")
	require.True(t, allowed)
	require.Equal(t, 0, decision.Remaining)

	allowed, decision = l.Check("10.0.0.1")
	require.False(t, allowed)
	require.Equal(t, 0, decision.Remaining)
}

func TestRefillRestoresTokens(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, _ := l.Check("k")
		require.True(t, allowed)
	}
	allowed, _ := l.Check("k")
	require.False(t, allowed)

	// 30s at 2 tokens/min refills exactly one token.
	clock.Advance(30 * time.Second)
	allowed, _ = l.Check("k")
	require.True(t, allowed)
	allowed, _ = l.Check("k")
	require.False(t, allowed)
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)

	allowed, _ := l.Check("k")
	require.True(t, allowed)

	clock.Advance(time.Hour)
	_, decision := l.Check("k")
	require.Equal(t, 2, decision.Remaining)
}

func TestIndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	allowed, _ := l.Check("a")
	require.True(t, allowed)
	allowed, _ = l.Check("a")
	require.False(t, allowed)

	allowed, _ = l.Check("b")
	require.True(t, allowed)
}

func TestDecisionReset(t *testing.T) {
	l, clock := newTestLimiter(t, 5, time.Minute)

	_, decision := l.Check("k")
	require.Equal(t, clock.Now().Add(time.Minute).Unix(), decision.Reset)

	headers := decision.Headers()
	require.Equal(t, "5", headers["X-RateLimit-Limit"])
	require.Equal(t, "4", headers["X-RateLimit-Remaining"])
	require.NotEmpty(t, headers["X-RateLimit-Reset"])
}

func TestDenyRecordsRejectionMetric(t *testing.T) {
	metrics := observability.NewRuntimeMetrics()
	l, _ := newTestLimiter(t, 1, time.Minute, WithMetrics(metrics))

	l.Check("k")
	l.Check("k")
	l.Check("k")

	require.Equal(t, int64(2), metrics.Snapshot().RateLimitRejections)
}

func TestEvictStale(t *testing.T) {
	l, clock := newTestLimiter(t, 1, time.Minute)

	l.Check("old")
	clock.Advance(staleThreshold + time.Second)
	l.Check("fresh")

	l.evictStale()

	l.mu.Lock()
	_, oldKept := l.buckets["old"]
	_, freshKept := l.buckets["fresh"]
	l.mu.Unlock()
	require.False(t, oldKept)
	require.True(t, freshKept)
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l, _ := newTestLimiter(t, 50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := l.Check("shared"); allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, admitted)
}
