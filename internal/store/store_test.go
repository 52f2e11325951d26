package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), WithClock(clock.Now))
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func addCredential(t *testing.T, s *Store, clock *testClock, name string, isDefault bool) *models.Credential {
	t.Helper()
	c := &models.Credential{Name: name, Token: name + "-token", IsActive: true, IsDefault: isDefault}
	assert.NilError(t, s.InsertCredential(context.Background(), c))
	clock.Advance(time.Second)
	return c
}

func queueRequest(t *testing.T, s *Store, user, lane string) *models.ScrapeRequest {
	t.Helper()
	r := &models.ScrapeRequest{UserID: user, URL: "https://example.com/search", Pages: 3, Status: models.RequestQueued}
	assert.NilError(t, s.InsertRequest(context.Background(), r, &models.QueueEntry{LaneID: lane}))
	return r
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open("sqlite", path)
	assert.NilError(t, err)
	assert.NilError(t, s1.Close())

	s2, err := Open("sqlite", path)
	assert.NilError(t, err)
	defer s2.Close()

	var n int
	assert.NilError(t, s2.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, n, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	assert.Equal(t, pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"), "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)")

	lite := &Store{dialect: dialectSQLite}
	assert.Equal(t, lite.rebind("a = ?"), "a = ?")
}

func TestSetDefaultCredentialClearsOthers(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	a := addCredential(t, s, clock, "a", true)
	b := addCredential(t, s, clock, "b", false)

	assert.NilError(t, s.SetDefaultCredential(ctx, b.ID))

	def, err := s.DefaultCredential(ctx)
	assert.NilError(t, err)
	assert.Equal(t, def.ID, b.ID)

	got, err := s.GetCredential(ctx, a.ID)
	assert.NilError(t, err)
	assert.Check(t, !got.IsDefault)

	err = s.SetDefaultCredential(ctx, "missing")
	assert.Check(t, errors.Is(err, errs.ErrNotFound))
}

func TestDeactivateDefaultFallsBackToOldest(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	first := addCredential(t, s, clock, "first", false)
	addCredential(t, s, clock, "second", false)
	def := addCredential(t, s, clock, "third", true)

	assert.NilError(t, s.DeactivateCredential(ctx, def.ID))

	got, err := s.DefaultCredential(ctx)
	assert.NilError(t, err)
	assert.Check(t, got == nil)

	oldest, err := s.OldestActiveCredential(ctx)
	assert.NilError(t, err)
	assert.Equal(t, oldest.ID, first.ID)

	active, err := s.ListCredentials(ctx, true)
	assert.NilError(t, err)
	assert.Check(t, is.Len(active, 2))
}

func TestAssignmentLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p1 := &models.Profile{ProviderProfileID: "prov-1", IsActive: true}
	p2 := &models.Profile{ProviderProfileID: "prov-2", IsActive: true}
	assert.NilError(t, s.InsertProfile(ctx, p1))
	assert.NilError(t, s.InsertProfile(ctx, p2))

	assert.NilError(t, s.UpsertAssignment(ctx, &models.Assignment{UserID: "u1", ProfileID: p1.ID, AssignedBy: "admin"}))
	assert.NilError(t, s.UpsertAssignment(ctx, &models.Assignment{UserID: "u1", ProfileID: p2.ID, AssignedBy: "root"}))

	a, err := s.GetAssignment(ctx, "u1")
	assert.NilError(t, err)
	assert.Equal(t, a.ProfileID, p2.ID)
	assert.Equal(t, a.AssignedBy, "root")

	removed, err := s.DeleteAssignment(ctx, "u1")
	assert.NilError(t, err)
	assert.Check(t, removed)
	a, err = s.GetAssignment(ctx, "u1")
	assert.NilError(t, err)
	assert.Check(t, a == nil)
}

func TestOccupyLaneAllowsOneActiveSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := &models.Session{LaneID: "lane-1", UserID: "alice", Kind: models.KindManual}
	assert.NilError(t, s.OccupyLane(ctx, first))

	err := s.OccupyLane(ctx, &models.Session{LaneID: "lane-1", UserID: "bob", Kind: models.KindManual})
	var busy *errs.ResourceBusyError
	assert.Assert(t, errors.As(err, &busy))
	assert.Equal(t, busy.OwnerID, "alice")
	assert.Equal(t, busy.Kind, "manual")

	ok, err := s.CloseSession(ctx, first.ID)
	assert.NilError(t, err)
	assert.Check(t, ok)

	assert.NilError(t, s.OccupyLane(ctx, &models.Session{LaneID: "lane-1", UserID: "bob", Kind: models.KindManual}))
}

func TestCloseUserSessionsIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	assert.NilError(t, s.OccupyLane(ctx, &models.Session{LaneID: "lane-1", UserID: "alice", Kind: models.KindManual}))

	closed, err := s.CloseUserSessions(ctx, "alice", models.KindManual)
	assert.NilError(t, err)
	assert.Check(t, is.Len(closed, 1))

	closed, err = s.CloseUserSessions(ctx, "alice", models.KindManual)
	assert.NilError(t, err)
	assert.Check(t, is.Len(closed, 0))
}

func TestTouchHeartbeatRequiresOwner(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sess := &models.Session{LaneID: "lane-1", UserID: "alice", Kind: models.KindManual}
	assert.NilError(t, s.OccupyLane(ctx, sess))

	ok, err := s.TouchHeartbeat(ctx, sess.ID, "bob")
	assert.NilError(t, err)
	assert.Check(t, !ok)

	clock.Advance(time.Minute)
	ok, err = s.TouchHeartbeat(ctx, sess.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, ok)

	got, err := s.GetSession(ctx, sess.ID)
	assert.NilError(t, err)
	assert.Check(t, got.LastHeartbeat.Equal(clock.Now()))
}

func TestTouchHeartbeatIgnoresScrapeSessions(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sess := &models.Session{LaneID: "lane-1", UserID: "alice", Kind: models.KindScrape}
	assert.NilError(t, s.OccupyLane(ctx, sess))
	before, err := s.GetSession(ctx, sess.ID)
	assert.NilError(t, err)

	clock.Advance(time.Minute)
	ok, err := s.TouchHeartbeat(ctx, sess.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, !ok)

	got, err := s.GetSession(ctx, sess.ID)
	assert.NilError(t, err)
	assert.Check(t, got.LastHeartbeat.Equal(before.LastHeartbeat))
}

func TestReclaimStaleSessionLosesToHeartbeat(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sess := &models.Session{LaneID: "lane-1", UserID: "alice", Kind: models.KindManual}
	assert.NilError(t, s.OccupyLane(ctx, sess))

	clock.Advance(31 * time.Minute)
	cutoff := clock.Now().Add(-30 * time.Minute)
	stale, err := s.StaleManualSessions(ctx, cutoff)
	assert.NilError(t, err)
	assert.Check(t, is.Len(stale, 1))

	// heartbeat arrives between the scan and the reclaim
	_, err = s.TouchHeartbeat(ctx, sess.ID, "alice")
	assert.NilError(t, err)

	ok, err := s.ReclaimStaleSession(ctx, sess.ID, cutoff)
	assert.NilError(t, err)
	assert.Check(t, !ok)
}

func TestClaimNextIsFIFOAndReportsPosition(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	first := queueRequest(t, s, "alice", "lane-1")
	clock.Advance(time.Second)
	second := queueRequest(t, s, "bob", "lane-1")

	pos, err := s.QueuePosition(ctx, second.ID)
	assert.NilError(t, err)
	assert.Equal(t, pos, 2)

	claim, err := s.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)
	assert.Assert(t, claim != nil)
	assert.Equal(t, claim.Request.ID, first.ID)
	assert.Equal(t, claim.Request.Status, models.RequestRunning)
	assert.Equal(t, claim.Session.Kind, models.KindScrape)

	pos, err = s.QueuePosition(ctx, first.ID)
	assert.NilError(t, err)
	assert.Equal(t, pos, 0)
	pos, err = s.QueuePosition(ctx, second.ID)
	assert.NilError(t, err)
	assert.Equal(t, pos, 2)

	_, err = s.ClaimNext(ctx, "lane-1")
	assert.Check(t, errs.IsBusy(err))

	applied, err := s.FinishEntry(ctx, first.ID, Outcome{Status: models.EntryCompleted, PagesScraped: 3, LeadsFound: 7, VerifiedLeads: 5, Message: "done"})
	assert.NilError(t, err)
	assert.Check(t, applied)
	_, err = s.CloseScrapeSessions(ctx, first.ID)
	assert.NilError(t, err)

	pos, err = s.QueuePosition(ctx, second.ID)
	assert.NilError(t, err)
	assert.Equal(t, pos, 1)

	claim, err = s.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)
	assert.Equal(t, claim.Request.ID, second.ID)

	verified, err := s.EntryVerifiedLeads(ctx, first.ID)
	assert.NilError(t, err)
	assert.Equal(t, verified, 5)
}

func TestClaimNextEmptyLane(t *testing.T) {
	s, _ := newTestStore(t)
	claim, err := s.ClaimNext(context.Background(), "lane-1")
	assert.NilError(t, err)
	assert.Check(t, claim == nil)
}

func TestApprovalGatesQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := &models.ScrapeRequest{UserID: "alice", URL: "https://example.com", Pages: 1, Status: models.RequestPendingApproval, RequiresApproval: true}
	assert.NilError(t, s.InsertRequest(ctx, r, nil))

	_, err := s.GetEntry(ctx, r.ID)
	assert.Check(t, errors.Is(err, errs.ErrNotFound))

	assert.NilError(t, s.ApproveRequest(ctx, r.ID, "admin", &models.QueueEntry{LaneID: "lane-1"}))
	err = s.ApproveRequest(ctx, r.ID, "admin", &models.QueueEntry{LaneID: "lane-1"})
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))

	got, err := s.GetRequest(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, models.RequestQueued)
	assert.Equal(t, got.ApprovedBy, "admin")

	claim, err := s.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)
	assert.Equal(t, claim.Request.ID, r.ID)
}

func TestCancelPendingHasNoLaneEffect(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := queueRequest(t, s, "alice", "lane-1")

	prev, err := s.CancelRequest(ctx, r.ID, "")
	assert.NilError(t, err)
	assert.Equal(t, prev, models.RequestQueued)

	e, err := s.GetEntry(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, e.Status, models.EntryCancelled)

	active, err := s.ActiveSessions(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(active, 0))

	_, err = s.CancelRequest(ctx, r.ID, "")
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))
}

func TestCancelRunningKeepsWorkerProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := queueRequest(t, s, "alice", "lane-1")
	_, err := s.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)

	prev, err := s.CancelRequest(ctx, r.ID, "")
	assert.NilError(t, err)
	assert.Equal(t, prev, models.RequestRunning)

	status, err := s.RequestStatus(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, status, models.RequestCancelled)

	applied, err := s.FinishEntry(ctx, r.ID, Outcome{Status: models.EntryCompleted, PagesScraped: 2, LeadsFound: 4})
	assert.NilError(t, err)
	assert.Check(t, !applied)

	e, err := s.GetEntry(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, e.Status, models.EntryCancelled)
	assert.Equal(t, e.PagesScraped, 2)
}

func TestRecoverInterrupted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := queueRequest(t, s, "alice", "lane-1")
	_, err := s.ClaimNext(ctx, "lane-1")
	assert.NilError(t, err)

	ids, err := s.RecoverInterrupted(ctx, "lane-1", "interrupted")
	assert.NilError(t, err)
	assert.DeepEqual(t, ids, []string{r.ID})

	got, err := s.GetRequest(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, models.RequestFailed)

	cur, err := s.ActiveSession(ctx, "lane-1")
	assert.NilError(t, err)
	assert.Check(t, cur == nil)
}

func TestSetSettlementIsGuarded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := queueRequest(t, s, "alice", "lane-1")

	ok, err := s.SetSettlement(ctx, r.ID, []models.SettlementStatus{models.SettlementNone}, models.SettlementHeld, 0, "", "")
	assert.NilError(t, err)
	assert.Check(t, ok)

	ok, err = s.SetSettlement(ctx, r.ID, []models.SettlementStatus{models.SettlementNone}, models.SettlementSettled, 3, "admin", "")
	assert.NilError(t, err)
	assert.Check(t, !ok)

	ok, err = s.SetSettlement(ctx, r.ID, []models.SettlementStatus{models.SettlementHeld, models.SettlementBlocked}, models.SettlementSettled, 3, "admin", "")
	assert.NilError(t, err)
	assert.Check(t, ok)

	got, err := s.GetRequest(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Settlement, models.SettlementSettled)
	assert.Equal(t, got.BilledLeads, 3)
	assert.Equal(t, got.SettledBy, "admin")
}
