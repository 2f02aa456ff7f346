// Package ratelimit provides a sliding-window rate limiter keyed by an
// arbitrary identifier, used by the relay to bound per-agent message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request timestamps per key inside a sliding window.
type Limiter struct {
	mu     sync.Mutex
	rate   int
	window time.Duration
	hits   map[string][]time.Time
}

// New creates a Limiter allowing rate requests per window for each key.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:   rate,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.rate {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Forget drops all state for key, typically on disconnect.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

// Tracked returns the number of keys currently holding limiter state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Prune removes keys whose every recorded request has left the window.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.window)
	for key, times := range l.hits {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}
