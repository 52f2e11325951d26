// Package scheduler runs one processor per lane. A processor claims the next
// queued scrape when its lane is free, runs it and releases the lane.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/provider"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

const interruptedMessage = "Interrupted by a processor restart"

type Options struct {
	PollInterval  time.Duration
	WorkerTimeout time.Duration
	// MaxParallel caps scrapes running at once across lanes. 0 means one per lane.
	MaxParallel int
}

// Deps are the collaborators a Manager drives. Verifier and Settler are optional.
type Deps struct {
	Store     *store.Store
	Directory *directory.Directory
	Sessions  *session.Manager
	Provider  provider.Provider
	Worker    Worker
	Verifier  Verifier
	Settler   Settler
}

type Manager struct {
	st       *store.Store
	dir      *directory.Directory
	sessions *session.Manager
	provider provider.Provider
	worker   Worker
	verifier Verifier
	settler  Settler
	opts     Options
	sem      *semaphore.Weighted
	log      *zap.Logger

	mu       sync.Mutex
	base     context.Context
	procs    map[string]*Processor
	draining map[string]*Processor    // stopped, current scrape still winding down
	starting map[string]chan struct{} // closed once the start attempt settles
	paused   map[string]bool          // stopped by an operator; Sync leaves these alone
}

func New(deps Deps, opts Options, log *zap.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if deps.Provider == nil {
		deps.Provider = provider.None{}
	}
	m := &Manager{
		st:       deps.Store,
		dir:      deps.Directory,
		sessions: deps.Sessions,
		provider: deps.Provider,
		worker:   deps.Worker,
		verifier: deps.Verifier,
		settler:  deps.Settler,
		opts:     opts,
		log:      logging.OrNop(log).With(logging.Component("scheduler")),
		base:     context.Background(),
		procs:    make(map[string]*Processor),
		draining: make(map[string]*Processor),
		starting: make(map[string]chan struct{}),
		paused:   make(map[string]bool),
	}
	if opts.MaxParallel > 0 {
		m.sem = semaphore.NewWeighted(int64(opts.MaxParallel))
	}
	return m
}

// Start checks that something can be scheduled and starts a processor for
// every active lane. Processors live until ctx ends or Stop is called, including
// those started by a later Sync when Start itself failed the health check.
func (m *Manager) Start(ctx context.Context) error {
	if m.worker == nil {
		return errs.Configf("no scrape worker configured")
	}
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	if err := m.dir.Health(ctx); err != nil {
		return err
	}
	return m.Sync(ctx)
}

// Run starts the manager and blocks until ctx ends, then stops every processor.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return nil
}

// StartProcessor starts the lane's processor and clears an operator pause.
// Scrapes left running on the lane by an earlier processor are failed first.
// Starting a running processor is a no-op.
func (m *Manager) StartProcessor(ctx context.Context, laneID string) error {
	m.mu.Lock()
	delete(m.paused, laneID)
	m.mu.Unlock()
	return m.start(ctx, laneID)
}

// start brings up the lane's processor unless an operator paused it. A
// processor still winding down is waited for, so its scrape is never
// mistaken for an interrupted one.
func (m *Manager) start(ctx context.Context, laneID string) error {
	cred, err := m.dir.GetCredential(ctx, laneID)
	if err != nil {
		return err
	}
	if !cred.IsActive {
		return fmt.Errorf("lane %s is deactivated: %w", laneID, errs.ErrInvalidArgument)
	}
	if m.worker == nil {
		return errs.Configf("no scrape worker configured")
	}

	var reserved chan struct{}
	for reserved == nil {
		m.mu.Lock()
		if _, ok := m.procs[laneID]; ok || m.paused[laneID] {
			m.mu.Unlock()
			return nil
		}
		var wait <-chan struct{}
		if d, ok := m.draining[laneID]; ok {
			wait = d.done
		} else if ch, ok := m.starting[laneID]; ok {
			wait = ch
		} else {
			reserved = make(chan struct{})
			m.starting[laneID] = reserved
		}
		m.mu.Unlock()

		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	defer func() {
		m.mu.Lock()
		delete(m.starting, laneID)
		m.mu.Unlock()
		close(reserved)
	}()

	recovered, err := m.st.RecoverInterrupted(ctx, laneID, interruptedMessage)
	if err != nil {
		return fmt.Errorf("recover lane %s: %w", laneID, err)
	}
	for _, id := range recovered {
		m.log.Warn("failed interrupted scrape", logging.Lane(laneID), logging.ScrapeID(id))
		if _, err := m.sessions.ReleaseScrape(context.WithoutCancel(ctx), id); err != nil {
			m.log.Warn("failed to release interrupted scrape", logging.ScrapeID(id), zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused[laneID] {
		return nil
	}
	p := newProcessor(m, laneID)
	pctx, cancel := context.WithCancel(m.base)
	p.cancel = cancel
	m.procs[laneID] = p
	go p.run(pctx)
	return nil
}

// StopProcessor stops the lane's processor and waits for its current scrape
// to wind down. The lane stays paused until StartProcessor is called. It
// reports whether a processor was running.
func (m *Manager) StopProcessor(laneID string) bool {
	m.mu.Lock()
	m.paused[laneID] = true
	m.mu.Unlock()
	return m.stop(laneID)
}

func (m *Manager) stop(laneID string) bool {
	m.mu.Lock()
	p, ok := m.procs[laneID]
	if ok {
		delete(m.procs, laneID)
		m.draining[laneID] = p
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.cancel()
	<-p.done

	m.mu.Lock()
	if m.draining[laneID] == p {
		delete(m.draining, laneID)
	}
	m.mu.Unlock()
	return true
}

// Stop stops every processor.
func (m *Manager) Stop() {
	m.mu.Lock()
	procs := make([]*Processor, 0, len(m.procs))
	for id, p := range m.procs {
		procs = append(procs, p)
		delete(m.procs, id)
		m.draining[id] = p
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
	for _, p := range procs {
		<-p.done
	}

	m.mu.Lock()
	for _, p := range procs {
		if m.draining[p.laneID] == p {
			delete(m.draining, p.laneID)
		}
	}
	m.mu.Unlock()
}

// Wake nudges the lane's processor to look for work now.
func (m *Manager) Wake(laneID string) {
	m.mu.Lock()
	p := m.procs[laneID]
	m.mu.Unlock()
	if p != nil {
		p.Wake()
	}
}

// Status lists processors ordered by lane, including lanes an operator paused.
func (m *Manager) Status() []models.ProcessorStatus {
	m.mu.Lock()
	procs := make([]*Processor, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	var paused []string
	for id := range m.paused {
		if _, running := m.procs[id]; !running {
			paused = append(paused, id)
		}
	}
	m.mu.Unlock()

	out := make([]models.ProcessorStatus, 0, len(procs)+len(paused))
	for _, p := range procs {
		out = append(out, p.status())
	}
	for _, id := range paused {
		out = append(out, models.ProcessorStatus{LaneID: id, Paused: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LaneID < out[j].LaneID })
	return out
}

// Sync makes the running processors match the active lanes, skipping lanes
// an operator paused. Pending work on lanes that went away moves to the
// effective default lane.
func (m *Manager) Sync(ctx context.Context) error {
	lanes, err := m.dir.ActiveLanes(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(lanes))
	var errList []error
	for _, l := range lanes {
		active[l.ID] = true
		if err := m.start(ctx, l.ID); err != nil {
			errList = append(errList, fmt.Errorf("start %s: %w", l.ID, err))
		}
	}

	m.mu.Lock()
	var gone []string
	for id := range m.procs {
		if !active[id] {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.stop(id)
		m.log.Info("processor stopped for inactive lane", logging.Lane(id))
	}

	if err := m.rehome(ctx, active); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

func (m *Manager) rehome(ctx context.Context, active map[string]bool) error {
	pending, err := m.st.PendingLanes(ctx)
	if err != nil {
		return err
	}
	var orphaned []string
	for _, lane := range pending {
		if !active[lane] {
			orphaned = append(orphaned, lane)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}
	def, err := m.dir.EffectiveDefault(ctx)
	if err != nil {
		return err
	}
	if !def.Found() {
		return errs.Configf("pending scrapes on inactive lanes and no default lane to move them to")
	}
	for _, lane := range orphaned {
		n, err := m.st.MovePendingEntries(ctx, lane, def.Credential.ID)
		if err != nil {
			return err
		}
		m.log.Info("moved pending scrapes off inactive lane",
			zap.String("from", lane), zap.String("to", def.Credential.ID), zap.Int64("count", n))
	}
	m.Wake(def.Credential.ID)
	return nil
}

// Register schedules Sync on c every interval.
func (m *Manager) Register(c *cron.Cron, interval time.Duration) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, errs.Configf("lane sync interval must be > 0")
	}
	return c.AddFunc("@every "+interval.String(), func() {
		m.mu.Lock()
		ctx := m.base
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := m.Sync(ctx); err != nil {
			m.log.Error("lane sync failed", zap.Error(err))
		}
	})
}
