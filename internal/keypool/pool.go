// Package keypool hands out API keys under per-window and per-day quotas.
//
// A key is held by at most one caller at a time. Acquire blocks until some
// key is free and under both caps, sleeping for the shortest wait any key
// needs, and wakes early when a lease is released.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
)

var ErrNoKeys = errors.New("key pool is empty")

// Options configure quotas and, in tests, the clock.
type Options struct {
	Window    time.Duration
	WindowCap int
	DailyCap  int
	// Location decides where a calendar day starts. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
	After    func(time.Duration) <-chan time.Time
}

type key struct {
	secret string
	// uses holds the completion times of operations inside the trailing window, oldest first.
	uses     []time.Time
	day      string
	dayCount int
	lastUsed time.Time
	inUse    bool
}

// Pool is a set of interchangeable rate-limited keys.
type Pool struct {
	opts     Options
	minDelay time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	keys     []*key
	released chan struct{}
}

func New(secrets []string, opts Options, log *zap.Logger) (*Pool, error) {
	if opts.Window <= 0 || opts.WindowCap <= 0 || opts.DailyCap <= 0 {
		return nil, errs.Configf("key pool needs a positive window, window cap and daily cap")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}

	p := &Pool{
		opts:     opts,
		minDelay: opts.Window / time.Duration(opts.WindowCap),
		log:      logging.OrNop(log).With(logging.Component("keypool")),
		released: make(chan struct{}),
	}
	seen := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		p.keys = append(p.keys, &key{secret: s})
	}
	return p, nil
}

// Size is the number of keys.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func (p *Pool) dayOf(t time.Time) string {
	return t.In(p.opts.Location).Format(time.DateOnly)
}

func (p *Pool) nextDay(t time.Time) time.Time {
	y, m, d := t.In(p.opts.Location).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, p.opts.Location)
}

// refreshLocked drops uses that left the window and rolls the day counter.
func (p *Pool) refreshLocked(k *key, now time.Time) {
	drop := 0
	for drop < len(k.uses) && now.Sub(k.uses[drop]) >= p.opts.Window {
		drop++
	}
	if drop > 0 {
		k.uses = append(k.uses[:0], k.uses[drop:]...)
	}
	if today := p.dayOf(now); k.day != today {
		k.day = today
		k.dayCount = 0
	}
}

func (p *Pool) availableLocked(k *key, now time.Time) bool {
	p.refreshLocked(k, now)
	return !k.inUse && len(k.uses) < p.opts.WindowCap && k.dayCount < p.opts.DailyCap
}

// waitLocked is how long until k could qualify. An in-use key is assumed to
// come back after the minimum spacing; a release wakes waiters sooner.
func (p *Pool) waitLocked(k *key, now time.Time) time.Duration {
	p.refreshLocked(k, now)
	var wait time.Duration
	if k.inUse {
		wait = p.minDelay
	}
	if len(k.uses) >= p.opts.WindowCap {
		if w := k.uses[len(k.uses)-p.opts.WindowCap].Add(p.opts.Window).Sub(now); w > wait {
			wait = w
		}
	}
	if k.dayCount >= p.opts.DailyCap {
		if w := p.nextDay(now).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// tryLocked claims the first qualifying key, or reports the shortest wait.
func (p *Pool) tryLocked(now time.Time) (*key, time.Duration) {
	for _, k := range p.keys {
		if p.availableLocked(k, now) {
			k.inUse = true
			return k, 0
		}
	}
	shortest := time.Duration(-1)
	for _, k := range p.keys {
		if w := p.waitLocked(k, now); shortest < 0 || w < shortest {
			shortest = w
		}
	}
	if shortest < time.Millisecond {
		shortest = time.Millisecond
	}
	return nil, shortest
}

// Acquire blocks until a key qualifies or ctx ends. The caller must Release
// the lease, and call TrackUsage once if the external call completed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if len(p.keys) == 0 {
			p.mu.Unlock()
			return nil, ErrNoKeys
		}
		k, wait := p.tryLocked(p.opts.Now())
		released := p.released
		p.mu.Unlock()

		if k != nil {
			return &Lease{pool: p, key: k}, nil
		}

		p.log.Debug("waiting for key", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		case <-p.opts.After(wait):
		}
	}
}

// TryAcquire never blocks. When no key qualifies it returns a
// *errs.RateLimitExceededError carrying the shortest wait.
func (p *Pool) TryAcquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return nil, ErrNoKeys
	}
	k, wait := p.tryLocked(p.opts.Now())
	if k == nil {
		return nil, &errs.RateLimitExceededError{RetryAfter: wait}
	}
	return &Lease{pool: p, key: k}, nil
}

func (p *Pool) release(k *key) {
	p.mu.Lock()
	k.inUse = false
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) track(k *key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.refreshLocked(k, now)
	k.uses = append(k.uses, now)
	k.dayCount++
	k.lastUsed = now
	if len(k.uses) > p.opts.WindowCap || k.dayCount > p.opts.DailyCap {
		// only possible if a lease tracked more than once
		p.log.Error("key quota exceeded", logging.Key(k.secret),
			zap.Int("window", len(k.uses)), zap.Int("day", k.dayCount))
	}
}

// KeyStats is a redacted snapshot of one key.
type KeyStats struct {
	Key         string     `json:"key"`
	InUse       bool       `json:"inUse"`
	WindowCount int        `json:"windowCount"`
	WindowCap   int        `json:"windowCap"`
	DayCount    int        `json:"dayCount"`
	DailyCap    int        `json:"dailyCap"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
}

func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	out := make([]KeyStats, 0, len(p.keys))
	for _, k := range p.keys {
		p.refreshLocked(k, now)
		st := KeyStats{
			Key:         logging.Redact(k.secret),
			InUse:       k.inUse,
			WindowCount: len(k.uses),
			WindowCap:   p.opts.WindowCap,
			DayCount:    k.dayCount,
			DailyCap:    p.opts.DailyCap,
		}
		if !k.lastUsed.IsZero() {
			last := k.lastUsed
			st.LastUsed = &last
		}
		out = append(out, st)
	}
	return out
}

// Lease is exclusive use of one key.
type Lease struct {
	pool *Pool
	key  *key

	once    sync.Once
	tracked sync.Once
}

// Key returns the secret to send with the external call.
func (l *Lease) Key() string { return l.key.secret }

// TrackUsage records one completed external call against both quotas.
// Calls after the first are ignored.
func (l *Lease) TrackUsage() {
	l.tracked.Do(func() { l.pool.track(l.key) })
}

// Release returns the key to the pool. It is safe to call more than once,
// so callers can defer it right after Acquire.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.key) })
}

func (l *Lease) String() string {
	return fmt.Sprintf("lease(%s)", logging.Redact(l.key.secret))
}
