// Package ratelimit bounds request rates per identity and endpoint class
// using fixed windows with shared atomic counters.
package ratelimit

import (
	"sync"
	"time"
)

// Class separates the cheap metadata surface from the expensive state
// upload surface; each carries its own allowance.
type Class string

const (
	ClassMetadata Class = "metadata"
	ClassState    Class = "state"
)

type bucket struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	limits  map[Class]int
	buckets map[string]bucket
}

func New(window time.Duration, metadataLimit, stateLimit int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if metadataLimit <= 0 {
		metadataLimit = 120
	}
	if stateLimit <= 0 {
		stateLimit = 60
	}
	return &Limiter{
		window: window,
		limits: map[Class]int{
			ClassMetadata: metadataLimit,
			ClassState:    stateLimit,
		},
		buckets: make(map[string]bucket),
	}
}

// Allow performs the increment-and-check for one request. When the request
// is rejected it returns how long the caller should wait before retrying.
func (l *Limiter) Allow(identity string, class Class, now time.Time) (bool, time.Duration) {
	limit, ok := l.limits[class]
	if !ok {
		limit = l.limits[ClassMetadata]
	}

	key := identity + "|" + string(class)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.buckets[key]
	if !exists || now.After(entry.resetAt) {
		l.prune(now)
		l.buckets[key] = bucket{count: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if entry.count >= limit {
		return false, entry.resetAt.Sub(now)
	}
	entry.count++
	l.buckets[key] = entry
	return true, 0
}

// prune drops expired buckets; called under the lock on window rollover so
// the map does not grow with identity churn.
func (l *Limiter) prune(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for key, entry := range l.buckets {
		if now.After(entry.resetAt) {
			delete(l.buckets, key)
		}
	}
}
