// Package ratelimit throttles API callers with one token bucket per user.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a user's bucket may sit unused before it is dropped.
// A full bucket is indistinguishable from a fresh one, so dropping is safe
// once it has had time to refill.
const idleAfter = time.Hour

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple users
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
	now      func() time.Time
	lastGC   time.Time
}

// NewLimiter creates a limiter allowing requestsPerHour per user with the
// given burst. A non-positive requestsPerHour disables limiting.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)
	if requestsPerHour <= 0 {
		r = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
		perHour:  requestsPerHour,
		now:      time.Now,
	}
}

// PerHour is the configured hourly allowance.
func (l *Limiter) PerHour() int { return l.perHour }

func (l *Limiter) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > idleAfter {
		for id, e := range l.limiters {
			if now.Sub(e.lastSeen) > idleAfter {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}

	e, ok := l.limiters[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[userID] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow takes one token for userID. It returns the tokens left and, when
// refused, how long until the next token.
func (l *Limiter) Allow(userID string) (bool, int, time.Duration) {
	lim := l.get(userID)
	now := l.now()
	if lim.AllowN(now, 1) {
		return true, int(lim.TokensAt(now)), 0
	}
	r := lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, 0, wait
}

// Len is the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
