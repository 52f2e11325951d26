// Package reaper reclaims lanes whose manual occupant stopped sending heartbeats.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/store"
)

// Options configure a Reaper. Timeout is the heartbeat age after which a
// manual session is reclaimed.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Stats summarizes reaper activity.
type Stats struct {
	Sweeps    uint64    `json:"sweeps"`
	Reclaimed uint64    `json:"reclaimed"`
	LastSweep time.Time `json:"lastSweep"`
}

type Reaper struct {
	store    *store.Store
	sessions *session.Manager
	opts     Options
	log      *zap.Logger

	// one sweep at a time, whether from cron or an admin call
	mu        sync.Mutex
	lastSweep time.Time
	sweeps    atomic.Uint64
	reclaimed atomic.Uint64

	notifyMu sync.RWMutex
	notify   func(laneID string)
}

func New(st *store.Store, sessions *session.Manager, opts Options, log *zap.Logger) *Reaper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		store:    st,
		sessions: sessions,
		opts:     opts,
		log:      logging.OrNop(log).With(logging.Component("reaper")),
	}
}

// OnReclaim registers a callback run for each lane the reaper frees.
func (r *Reaper) OnReclaim(fn func(laneID string)) {
	r.notifyMu.Lock()
	r.notify = fn
	r.notifyMu.Unlock()
}

// Register schedules Sweep on c every Interval.
func (r *Reaper) Register(c *cron.Cron) (cron.EntryID, error) {
	if r.opts.Interval <= 0 {
		return 0, fmt.Errorf("reaper interval must be positive")
	}
	return c.AddFunc("@every "+r.opts.Interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Interval)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("sweep failed", zap.Error(err))
		}
	})
}

// Sweep reclaims every active manual session whose heartbeat is older than
// the timeout and returns how many it reclaimed. Scrape sessions are never
// touched here.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	cutoff := now.Add(-r.opts.Timeout)
	stale, err := r.store.StaleManualSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	r.notifyMu.RLock()
	notify := r.notify
	r.notifyMu.RUnlock()

	reclaimed := 0
	for i := range stale {
		sess := &stale[i]
		ok, err := r.store.ReclaimStaleSession(ctx, sess.ID, cutoff)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			// heartbeat or close won the race
			continue
		}
		reclaimed++
		r.log.Info("reclaimed stale session",
			logging.SessionID(sess.ID),
			logging.Lane(sess.LaneID),
			logging.UserID(sess.UserID),
			zap.Duration("idle", now.Sub(sess.LastHeartbeat)))
		r.sessions.StopBestEffort(ctx, sess)
		if notify != nil {
			notify(sess.LaneID)
		}
	}

	r.lastSweep = now
	r.sweeps.Add(1)
	r.reclaimed.Add(uint64(reclaimed))
	return reclaimed, nil
}

func (r *Reaper) Stats() Stats {
	r.mu.Lock()
	last := r.lastSweep
	r.mu.Unlock()
	return Stats{Sweeps: r.sweeps.Load(), Reclaimed: r.reclaimed.Load(), LastSweep: last}
}
