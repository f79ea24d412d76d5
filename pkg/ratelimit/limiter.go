// Package ratelimit implements per-client admission control: each client key
// owns a bucket of points that is refilled completely once its window
// elapses.
package ratelimit

import (
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before the bucket refills.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps buckets in process memory, sharded by key. Buckets
// are created on a client's first request and live until the window after
// their last use has passed.
type InMemoryLimiter struct {
	window  time.Duration
	buckets cmap.ConcurrentMap[string, bucket]
	now     func() time.Time
	calls   atomic.Uint64
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: cmap.New[bucket](),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	b := l.buckets.Upsert(key, bucket{}, func(exists bool, curr bucket, _ bucket) bucket {
		if !exists || !now.Before(curr.resetAt) {
			curr = bucket{resetAt: now.Add(l.window)}
		}
		curr.count++
		return curr
	})
	if l.calls.Add(1)%1024 == 0 {
		l.sweep(now)
	}
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}

// size reports how many client buckets are tracked.
func (l *InMemoryLimiter) size() int {
	return l.buckets.Count()
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for _, key := range l.buckets.Keys() {
		l.buckets.RemoveCb(key, func(_ string, b bucket, exists bool) bool {
			return exists && !now.Before(b.resetAt)
		})
	}
}
