package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages token buckets keyed by an arbitrary subject (user id for
// the API, provider host for availability probes).
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a keyed limiter allowing eventsPerMinute sustained with
// the given burst.
func NewLimiter(eventsPerMinute int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(eventsPerMinute) / 60.0),
		burst:    burst,
	}
}

// GetLimiter returns the bucket for a key, creating it on first use.
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow checks if an event is allowed for the key.
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Tokens returns the remaining tokens for a key.
func (l *Limiter) Tokens(key string) float64 {
	return l.GetLimiter(key).Tokens()
}
