// Package ratelimit throttles requests per api key.
package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per api key.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
	clock    clock.Clock
}

// NewLimiter allows requestsPerHour per api key with bursts of up to burst
// requests. A nil clock means the wall clock.
func NewLimiter(requestsPerHour int, burst int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
		clock:    clk,
	}
}

func (l *Limiter) bucket(apiKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[apiKey]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[apiKey] = limiter
	}
	return limiter
}

// Allow consumes one token of the api key's bucket if available.
func (l *Limiter) Allow(apiKey string) bool {
	return l.bucket(apiKey).AllowN(l.clock.Now(), 1)
}

// Remaining is the whole number of requests the api key may still make now.
func (l *Limiter) Remaining(apiKey string) int {
	tokens := l.bucket(apiKey).TokensAt(l.clock.Now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// RequestsPerHour is the sustained rate per api key.
func (l *Limiter) RequestsPerHour() int {
	return l.perHour
}

// Burst is the bucket size.
func (l *Limiter) Burst() int {
	return l.burst
}
