// Package ratelimit throttles attempts per key. The gateway uses it to slow
// credential guessing on the sign-in route.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one attempt. RetryAfter is zero when allowed.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit attempts per key and window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// BucketLimiter keeps one token bucket per key in process memory. A bucket
// holds limit tokens and refills at limit per window, so a burst of limit
// attempts is admitted and the next one waits window/limit.
type BucketLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewInMemory(window time.Duration) *BucketLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &BucketLimiter{
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *BucketLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.window/time.Duration(limit)), limit), limit: limit}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: limit, RetryAfter: roundUp(delay)}
	}
	return Decision{Allowed: true, Limit: limit, Remaining: int(math.Floor(b.lim.TokensAt(now)))}
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *BucketLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.buckets, k)
		}
	}
}

func roundUp(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
