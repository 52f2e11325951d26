package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Processor drains one lane's queue, one scrape at a time.
type Processor struct {
	laneID string
	m      *Manager
	log    *zap.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	current   string
	startedAt *time.Time
	processed uint64
	failed    uint64
	lastErr   string
}

func newProcessor(m *Manager, laneID string) *Processor {
	return &Processor{
		laneID: laneID,
		m:      m,
		log:    m.log.With(logging.Lane(laneID)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.m.opts.PollInterval)
	defer ticker.Stop()

	p.log.Info("processor started")
	for {
		for ctx.Err() == nil && p.step(ctx) {
		}
		select {
		case <-ctx.Done():
			p.log.Info("processor stopped")
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// step claims and runs at most one scrape. It reports whether it ran one.
func (p *Processor) step(ctx context.Context) bool {
	if p.m.sem != nil {
		if err := p.m.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		defer p.m.sem.Release(1)
	}

	claim, err := p.m.st.ClaimNext(ctx, p.laneID)
	switch {
	case errs.IsBusy(err):
		p.log.Debug("lane busy, not claiming")
		return false
	case err != nil:
		if ctx.Err() == nil {
			p.log.Error("claim failed", zap.Error(err))
			p.setError(err)
		}
		return false
	case claim == nil:
		return false
	}

	p.execute(ctx, claim)
	return true
}

func (p *Processor) execute(ctx context.Context, claim *store.Claim) {
	req := claim.Request
	log := p.log.With(logging.ScrapeID(req.ID), logging.UserID(req.UserID))
	started := time.Now()
	p.mu.Lock()
	p.current = req.ID
	p.startedAt = &started
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current = ""
		p.startedAt = nil
		p.mu.Unlock()
	}()

	// Bookkeeping must land even when the processor is being stopped.
	bg := context.WithoutCancel(ctx)
	log.Info("scrape claimed", zap.String("url", req.URL), zap.Int("pages", req.Pages))

	result, runErr := p.runScrape(ctx, claim)

	out := store.Outcome{
		Status:        models.EntryCompleted,
		PagesScraped:  result.PagesScraped,
		LeadsFound:    len(result.Leads),
		VerifiedLeads: result.VerifiedCount(),
		Message: fmt.Sprintf("Scraped %d pages, found %d leads (%d verified)",
			result.PagesScraped, len(result.Leads), result.VerifiedCount()),
	}
	if runErr != nil {
		out.Status = models.EntryFailed
		out.Message = failureMessage(ctx, runErr)
	}

	applied, err := p.m.st.FinishEntry(bg, req.ID, out)
	if err != nil {
		log.Error("failed to record scrape outcome", zap.Error(err))
	}
	if _, err := p.m.sessions.ReleaseScrape(bg, req.ID); err != nil {
		log.Error("failed to release lane", zap.Error(err))
	}

	p.mu.Lock()
	if out.Status == models.EntryFailed {
		p.failed++
		p.lastErr = out.Message
	} else {
		p.processed++
	}
	p.mu.Unlock()

	switch {
	case !applied:
		log.Info("scrape was cancelled while running, partial results kept",
			zap.Int("pages", out.PagesScraped), zap.Int("leads", out.LeadsFound))
	case out.Status == models.EntryFailed:
		log.Warn("scrape failed", zap.String("reason", out.Message), zap.Duration("took", time.Since(started)))
	default:
		log.Info("scrape completed", zap.Int("pages", out.PagesScraped), zap.Int("leads", out.LeadsFound),
			zap.Int("verified", out.VerifiedLeads), zap.Duration("took", time.Since(started)))
		p.settle(bg, log, req.ID, result)
	}
}

// runScrape opens the lane's browser, runs the worker and verifies its leads.
func (p *Processor) runScrape(ctx context.Context, claim *store.Claim) (models.ScrapeResult, error) {
	req := claim.Request
	cred, err := p.m.dir.GetCredential(ctx, p.laneID)
	if err != nil {
		return models.ScrapeResult{}, fmt.Errorf("load lane credential: %w", err)
	}
	endpoint, err := p.m.provider.StartProfile(ctx, cred.Token, claim.Entry.ProfileID)
	if err != nil {
		return models.ScrapeResult{}, fmt.Errorf("failed to open browser: %w", err)
	}
	if err := p.m.sessions.AttachEndpoint(ctx, claim.Session.ID, endpoint); err != nil {
		return models.ScrapeResult{}, err
	}

	wctx := ctx
	if p.m.opts.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.m.opts.WorkerTimeout)
		defer cancel()
	}

	job := Job{
		ScrapeID:  req.ID,
		UserID:    req.UserID,
		URL:       req.URL,
		Pages:     req.Pages,
		LaneID:    p.laneID,
		ProfileID: claim.Entry.ProfileID,
		Endpoint:  endpoint,
	}
	progress := func(ctx context.Context, pages, leads int) {
		if _, err := p.m.st.UpdateProgress(context.WithoutCancel(ctx), req.ID, pages, leads); err != nil {
			p.log.Warn("failed to record progress", logging.ScrapeID(req.ID), zap.Error(err))
		}
	}

	result, err := p.m.worker.Scrape(wctx, job, requestToken{st: p.m.st, scrapeID: req.ID}, progress)
	if err != nil {
		return result, &errs.WorkerFailure{ScrapeID: req.ID, Err: err}
	}

	if p.m.verifier != nil && len(result.Leads) > 0 {
		verified, err := p.m.verifier.VerifyAll(wctx, result.Leads)
		if err != nil {
			p.log.Warn("lead verification incomplete", logging.ScrapeID(req.ID), zap.Error(err))
		}
		if verified != nil {
			result.Leads = verified
		}
	}
	return result, nil
}

func (p *Processor) settle(ctx context.Context, log *zap.Logger, scrapeID string, result models.ScrapeResult) {
	if p.m.settler == nil {
		return
	}
	req, err := p.m.st.GetRequest(ctx, scrapeID)
	if err != nil {
		log.Error("failed to load request for settlement", zap.Error(err))
		return
	}
	status, err := p.m.settler.OnCompleted(ctx, req, result)
	var short *errs.InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		log.Warn("settlement blocked by credits", zap.Int64("needed", short.Needed), zap.Int64("available", short.Available))
	case err != nil:
		log.Error("settlement failed", zap.Error(err))
	default:
		log.Debug("settlement recorded", zap.String("settlement", string(status)))
	}
}

func failureMessage(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "Processor stopped before the scrape finished"
	case errors.Is(err, context.DeadlineExceeded):
		return "Scrape timed out: " + err.Error()
	default:
		return err.Error()
	}
}

func (p *Processor) setError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *Processor) status() models.ProcessorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := models.ProcessorStatus{
		LaneID:     p.laneID,
		Running:    true,
		Processing: p.current,
		Processed:  p.processed,
		Failed:     p.failed,
		LastError:  p.lastErr,
	}
	if p.startedAt != nil {
		t := *p.startedAt
		st.StartedAt = &t
	}
	return st
}
