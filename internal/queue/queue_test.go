package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type stopRecorder struct {
	mu      sync.Mutex
	stopped []string
}

func (r *stopRecorder) Name() string { return "recorder" }

func (r *stopRecorder) StartProfile(_ context.Context, _, profileID string) (string, error) {
	return "ws://browser/" + profileID, nil
}

func (r *stopRecorder) StopProfile(_ context.Context, _, profileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, profileID)
	return nil
}

type fixture struct {
	st       *store.Store
	dir      *directory.Directory
	sessions *session.Manager
	provider *stopRecorder
	lane     *models.Credential
	woken    []string
}

func newFixture(t *testing.T, opts Options) (*Service, *fixture) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{st: st, provider: &stopRecorder{}}
	f.dir = directory.New(st, directory.Options{CacheTTL: time.Minute, DefaultProfileID: "prof-1"}, nil)
	name, token := "lane-a", "tok-a"
	f.lane, err = f.dir.CreateCredential(context.Background(), models.CredentialInput{Name: &name, Token: &token}, true)
	assert.NilError(t, err)
	f.sessions = session.NewManager(st, f.dir, f.provider, nil)

	svc := New(st, f.dir, f.sessions, opts, nil)
	svc.OnEnqueue(func(lane string) { f.woken = append(f.woken, lane) })
	return svc, f
}

func TestSubmitQueuesOnUserLane(t *testing.T) {
	svc, f := newFixture(t, Options{})
	ctx := context.Background()

	req, err := svc.Submit(ctx, "alice", "https://example.com/search?q=x", 3)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(req.Status, models.RequestQueued))
	assert.Check(t, is.DeepEqual(f.woken, []string{f.lane.ID}))

	entry, err := f.st.GetEntry(ctx, req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(entry.LaneID, f.lane.ID))
	assert.Check(t, is.Equal(entry.ProfileID, "prof-1"))

	status, err := svc.Status(ctx, req.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(status.Position, 1))
	assert.Check(t, is.Equal(status.LaneID, f.lane.ID))
}

func TestSubmitValidates(t *testing.T) {
	svc, _ := newFixture(t, Options{MaxPages: 10})
	cases := []struct {
		name  string
		user  string
		url   string
		pages int
	}{
		{"no user", "", "https://example.com", 1},
		{"relative url", "alice", "/search", 1},
		{"ftp url", "alice", "ftp://example.com", 1},
		{"zero pages", "alice", "https://example.com", 0},
		{"too many pages", "alice", "https://example.com", 11},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tc.user, tc.url, tc.pages)
			assert.Check(t, errors.Is(err, errs.ErrInvalidArgument))
		})
	}
}

func TestSecondRequestReportsPositionTwoWhileFirstRuns(t *testing.T) {
	svc, f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := svc.Submit(ctx, "alice", "https://example.com/a", 1)
	assert.NilError(t, err)
	second, err := svc.Submit(ctx, "bob", "https://example.com/b", 1)
	assert.NilError(t, err)

	claim, err := f.st.ClaimNext(ctx, f.lane.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(claim.Request.ID, first.ID))

	st1, err := svc.Status(ctx, first.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(st1.Status, models.RequestRunning))
	assert.Check(t, is.Equal(st1.Position, 0))

	st2, err := svc.Status(ctx, second.ID, "bob")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(st2.Position, 2))

	view, err := f.sessions.LaneState(ctx, f.lane.ID, "carol")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(view.Status, models.LaneScraping))
	assert.Check(t, !view.OccupiedByYou)
	assert.Check(t, is.Equal(view.SessionID, ""))
}

func TestApprovalFlow(t *testing.T) {
	svc, f := newFixture(t, Options{RequireApproval: true})
	ctx := context.Background()

	req, err := svc.Submit(ctx, "alice", "https://example.com", 2)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(req.Status, models.RequestPendingApproval))
	assert.Check(t, is.Len(f.woken, 0))
	_, err = f.st.GetEntry(ctx, req.ID)
	assert.Check(t, errors.Is(err, errs.ErrNotFound))

	status, err := svc.Status(ctx, req.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(status.Position, 0))

	approved, err := svc.Approve(ctx, "root", req.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(approved.Status, models.RequestQueued))
	assert.Check(t, is.Equal(approved.ApprovedBy, "root"))
	assert.Check(t, is.DeepEqual(f.woken, []string{f.lane.ID}))

	_, err = svc.Approve(ctx, "root", req.ID)
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))

	other, err := svc.Submit(ctx, "bob", "https://example.com", 1)
	assert.NilError(t, err)
	rejected, err := svc.Reject(ctx, "root", other.ID, "not allowed")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(rejected.Status, models.RequestCancelled))
	assert.Check(t, is.Equal(rejected.Settlement, models.SettlementRejected))
	assert.Check(t, is.Equal(rejected.Message, "not allowed"))
}

func TestCancelPending(t *testing.T) {
	svc, f := newFixture(t, Options{})
	ctx := context.Background()
	req, err := svc.Submit(ctx, "alice", "https://example.com", 1)
	assert.NilError(t, err)

	_, err = svc.Cancel(ctx, req.ID, "mallory")
	assert.Check(t, errors.Is(err, errs.ErrNotFound))

	got, err := svc.Cancel(ctx, req.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Status, models.RequestCancelled))
	assert.Check(t, is.Len(f.provider.stopped, 0))

	view, err := f.sessions.LaneState(ctx, f.lane.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(view.Status, models.LaneAvailable))

	_, err = svc.Cancel(ctx, req.ID, "alice")
	assert.Check(t, errors.Is(err, errs.ErrInvalidTransition))
}

func TestCancelRunningReleasesLane(t *testing.T) {
	svc, f := newFixture(t, Options{})
	ctx := context.Background()
	req, err := svc.Submit(ctx, "alice", "https://example.com", 5)
	assert.NilError(t, err)
	_, err = f.st.ClaimNext(ctx, f.lane.ID)
	assert.NilError(t, err)
	_, err = f.st.UpdateProgress(ctx, req.ID, 2, 7)
	assert.NilError(t, err)

	got, err := svc.Cancel(ctx, req.ID, "")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Status, models.RequestCancelled))
	assert.Check(t, is.Equal(got.Message, "Cancelled by admin"))
	assert.Check(t, is.DeepEqual(f.provider.stopped, []string{"prof-1"}))

	view, err := f.sessions.LaneState(ctx, f.lane.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(view.Status, models.LaneAvailable))

	status, err := svc.Status(ctx, req.ID, "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(status.PagesScraped, 2))
	assert.Check(t, is.Equal(status.LeadsFound, 7))
}

func TestStatusHiddenFromOtherUsers(t *testing.T) {
	svc, _ := newFixture(t, Options{})
	req, err := svc.Submit(context.Background(), "alice", "https://example.com", 1)
	assert.NilError(t, err)

	_, err = svc.Status(context.Background(), req.ID, "bob")
	assert.Check(t, errors.Is(err, errs.ErrNotFound))

	list, err := svc.ListForUser(context.Background(), "bob", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(list, 0))
	list, err = svc.ListForUser(context.Background(), "alice", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(list, 1))
}
