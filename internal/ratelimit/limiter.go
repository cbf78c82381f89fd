// Package ratelimit provides a per-key in-memory token bucket used to police
// request admission at the gateway edge.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/glowback/gateway/internal/observability"
)

// bucket tracks the token balance for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Decision describes the limiter's view of a key at check time. It is
// returned on every call, allowed or not, so callers can always surface
// X-RateLimit-* headers.
type Decision struct {
	Limit     int
	Remaining int
	Reset     int64
}

// Headers renders the decision as the conventional response header map.
func (d Decision) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.Reset, 10),
	}
}

// Limiter is a per-key token bucket. Each key refills continuously at
// maxTokens per window; a new key starts with a full bucket. A background
// goroutine evicts keys idle past staleThreshold to bound memory.
type Limiter struct {
	maxTokens float64
	window    time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	metrics *observability.RuntimeMetrics
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics attaches a runtime metrics accumulator for rejection counts.
func WithMetrics(metrics *observability.RuntimeMetrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter allowing maxTokens requests per window per key.
// Call Close to stop the eviction goroutine.
func New(maxTokens int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxTokens: float64(maxTokens),
		window:    window,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	go l.cleanup()
	return l
}

// Check consumes one token for key when available. The decision reflects the
// refilled balance before consumption, matching what a denied caller should
// see in response headers.
func (l *Limiter) Check(key string) (bool, Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * (l.maxTokens / l.window.Seconds())
		if b.tokens > l.maxTokens {
			b.tokens = l.maxTokens
		}
		b.lastRefill = now
	}

	decision := Decision{
		Limit:     int(l.maxTokens),
		Remaining: max(0, int(b.tokens)-1),
		Reset:     b.lastRefill.Add(l.window).Unix(),
	}

	if b.tokens < 1 {
		if l.metrics != nil {
			l.metrics.RecordRateLimitRejection()
		}
		observability.Log().Warn("rate limit exceeded",
			observability.Field{Key: "key", Value: key},
		)
		return false, decision
	}
	b.tokens--
	return true, decision
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

const (
	staleThreshold = 10 * time.Minute
	evictInterval  = time.Minute
)

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-staleThreshold)
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
