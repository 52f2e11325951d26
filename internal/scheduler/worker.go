package scheduler

import (
	"context"
	"errors"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Job is one claimed scrape handed to a Worker.
type Job struct {
	ScrapeID  string
	UserID    string
	URL       string
	Pages     int
	LaneID    string
	ProfileID string
	// Endpoint is the remote debugging endpoint of the lane's browser.
	Endpoint string
}

// ProgressFunc records live counters. Workers call it after every page.
type ProgressFunc func(ctx context.Context, pagesScraped, leadsFound int)

// CancelToken is polled by workers between units of work.
type CancelToken interface {
	Cancelled(ctx context.Context) bool
}

// Worker executes a scrape. It must return what it has so far when it stops
// early because of cancellation.
type Worker interface {
	Scrape(ctx context.Context, job Job, cancel CancelToken, progress ProgressFunc) (models.ScrapeResult, error)
}

// Verifier marks leads verified.
type Verifier interface {
	VerifyAll(ctx context.Context, leads []models.Lead) ([]models.Lead, error)
}

// Settler receives completed results.
type Settler interface {
	OnCompleted(ctx context.Context, req *models.ScrapeRequest, result models.ScrapeResult) (models.SettlementStatus, error)
}

// requestToken reads the cancellation flag from the request row.
type requestToken struct {
	st       *store.Store
	scrapeID string
}

func (t requestToken) Cancelled(ctx context.Context) bool {
	status, err := t.st.RequestStatus(ctx, t.scrapeID)
	if errors.Is(err, errs.ErrNotFound) {
		return true
	}
	if err != nil {
		// An unreadable flag is not a cancel; the worker timeout still bounds the run.
		return false
	}
	return status == models.RequestCancelled
}
