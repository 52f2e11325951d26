package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	deducted map[string]int64
}

func newMemLedger(balances map[string]int64) *memLedger {
	return &memLedger{balances: balances, deducted: map[string]int64{}}
}

func (l *memLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *memLedger) Deduct(_ context.Context, userID string, amount int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.deducted[ref]; done {
		return nil
	}
	l.balances[userID] -= amount
	l.deducted[ref] = amount
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "settle.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// completedRequest runs a request through the queue to completed.
func completedRequest(t *testing.T, st *store.Store, user string, approval bool) *models.ScrapeRequest {
	t.Helper()
	ctx := context.Background()
	r := &models.ScrapeRequest{UserID: user, URL: "https://example.com", Pages: 1, RequiresApproval: approval}
	if approval {
		r.Status = models.RequestPendingApproval
		assert.NilError(t, st.InsertRequest(ctx, r, nil))
		assert.NilError(t, st.ApproveRequest(ctx, r.ID, "admin", &models.QueueEntry{LaneID: "lane-1"}))
	} else {
		r.Status = models.RequestQueued
		assert.NilError(t, st.InsertRequest(ctx, r, &models.QueueEntry{LaneID: "lane-1"}))
	}
	claim, err := st.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)
	assert.Assert(t, claim != nil)
	ok, err := st.FinishEntry(ctx, r.ID, store.Outcome{Status: models.EntryCompleted, PagesScraped: 1, LeadsFound: 3, VerifiedLeads: 2, Message: "done"})
	assert.NilError(t, err)
	assert.Assert(t, ok)
	_, err = st.CloseScrapeSessions(ctx, r.ID)
	assert.NilError(t, err)

	got, err := st.GetRequest(ctx, r.ID)
	assert.NilError(t, err)
	return got
}

var threeLeads = models.ScrapeResult{PagesScraped: 1, Leads: []models.Lead{
	{Email: "a@x.io", Verified: true},
	{Email: "b@x.io", Verified: true},
	{Email: "c@x.io"},
}}

func TestBillable(t *testing.T) {
	g := New(nil, nil, Rules{BillVerifiedOnly: true}, nil)
	assert.Check(t, is.Equal(g.Billable(threeLeads), 2))
	g = New(nil, nil, Rules{}, nil)
	assert.Check(t, is.Equal(g.Billable(threeLeads), 3))
}

func TestOnCompletedSettlesImmediately(t *testing.T) {
	st := newStore(t)
	ledger := newMemLedger(map[string]int64{"alice": 10})
	g := New(st, ledger, Rules{BillVerifiedOnly: true, CreditsPerLead: 2}, nil)
	req := completedRequest(t, st, "alice", false)

	status, err := g.OnCompleted(context.Background(), req, threeLeads)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(status, models.SettlementSettled))
	assert.Check(t, is.Equal(ledger.balances["alice"], int64(6)))

	got, err := st.GetRequest(context.Background(), req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Settlement, models.SettlementSettled))
	assert.Check(t, is.Equal(got.BilledLeads, 2))

	_, err = g.OnCompleted(context.Background(), got, threeLeads)
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))
	assert.Check(t, is.Equal(ledger.balances["alice"], int64(6)), "second settle must not charge again")
}

func TestHeldUntilFinalized(t *testing.T) {
	st := newStore(t)
	ledger := newMemLedger(map[string]int64{"bob": 100})
	g := New(st, ledger, Rules{RequireApproval: true, HoldForReview: true, CreditsPerLead: 1}, nil)
	req := completedRequest(t, st, "bob", true)

	status, err := g.OnCompleted(context.Background(), req, threeLeads)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(status, models.SettlementHeld))
	assert.Check(t, is.Equal(ledger.balances["bob"], int64(100)))

	got, err := g.Finalize(context.Background(), "root", req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Settlement, models.SettlementSettled))
	assert.Check(t, is.Equal(got.SettledBy, "root"))
	assert.Check(t, is.Equal(got.BilledLeads, 3))
	assert.Check(t, is.Equal(ledger.balances["bob"], int64(97)))

	_, err = g.Finalize(context.Background(), "root", req.ID)
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))
}

func TestInsufficientCreditsBlocksAndKeepsData(t *testing.T) {
	st := newStore(t)
	ledger := newMemLedger(map[string]int64{"carol": 1})
	g := New(st, ledger, Rules{CreditsPerLead: 1}, nil)
	req := completedRequest(t, st, "carol", false)

	status, err := g.OnCompleted(context.Background(), req, threeLeads)
	var short *errs.InsufficientCreditsError
	assert.Assert(t, errors.As(err, &short))
	assert.Check(t, is.Equal(short.Needed, int64(3)))
	assert.Check(t, is.Equal(status, models.SettlementBlocked))

	got, err := st.GetRequest(context.Background(), req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Status, models.RequestCompleted))
	assert.Check(t, is.Equal(got.Settlement, models.SettlementBlocked))
	entry, err := st.GetEntry(context.Background(), req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(entry.LeadsFound, 3))

	ledger.balances["carol"] = 5
	got, err = g.Finalize(context.Background(), "root", req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Settlement, models.SettlementSettled))
	assert.Check(t, is.Equal(ledger.balances["carol"], int64(2)))
}

func TestFinalizeRejectsUnfinishedRequest(t *testing.T) {
	st := newStore(t)
	g := New(st, nil, Rules{}, nil)
	r := &models.ScrapeRequest{UserID: "dave", URL: "https://example.com", Pages: 1, Status: models.RequestQueued}
	assert.NilError(t, st.InsertRequest(context.Background(), r, &models.QueueEntry{LaneID: "lane-1"}))

	_, err := g.Finalize(context.Background(), "root", r.ID)
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))

	_, err = g.Finalize(context.Background(), "root", "missing")
	assert.Check(t, errors.Is(err, errs.ErrNotFound))
}
