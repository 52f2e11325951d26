package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type fakeProvider struct {
	mu       sync.Mutex
	startErr error
	started  []string
	stopped  []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) StartProfile(_ context.Context, token, profileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, profileID)
	return "ws://browser/" + profileID, nil
}

func (f *fakeProvider) StopProfile(_ context.Context, token, profileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, profileID)
	return nil
}

func (f *fakeProvider) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *models.Credential) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := directory.New(st, directory.Options{CacheTTL: time.Minute}, nil)
	name, token := "lane", "tok"
	cred, err := dir.CreateCredential(context.Background(), models.CredentialInput{Name: &name, Token: &token}, true)
	if err != nil {
		t.Fatal(err)
	}
	pid := "profile-1"
	if _, err := dir.CreateProfile(context.Background(), models.ProfileInput{ProviderProfileID: &pid, CredentialID: &cred.ID}); err != nil {
		t.Fatal(err)
	}
	fp := &fakeProvider{}
	return NewManager(st, dir, fp, nil), fp, cred
}

func TestStartManualOccupiesLane(t *testing.T) {
	m, fp, cred := newTestManager(t)
	ctx := context.Background()

	resp, err := m.StartManual(ctx, "alice")
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if resp.LaneID != cred.ID || resp.ConnectURL != "ws://browser/profile-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(fp.started) != 1 {
		t.Fatalf("provider starts = %d", len(fp.started))
	}

	_, err = m.StartManual(ctx, "bob")
	if !errs.IsBusy(err) {
		t.Fatalf("second start err = %v, want busy", err)
	}
	if got := Describe(err, "bob"); got != "another user is using this browser" {
		t.Fatalf("Describe(bob) = %q", got)
	}
	_, err = m.StartManual(ctx, "alice")
	if got := Describe(err, "alice"); got != "you already have an active session" {
		t.Fatalf("Describe(alice) = %q", got)
	}
}

func TestProviderFailureReleasesLane(t *testing.T) {
	m, fp, cred := newTestManager(t)
	ctx := context.Background()
	fp.startErr = errors.New("profile locked")

	if _, err := m.StartManual(ctx, "alice"); err == nil {
		t.Fatal("expected provider error")
	}
	view, err := m.LaneState(ctx, cred.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.LaneAvailable {
		t.Fatalf("lane status = %s, want available", view.Status)
	}
}

func TestLaneStateDisclosesOnlyToOccupant(t *testing.T) {
	m, _, cred := newTestManager(t)
	ctx := context.Background()
	resp, err := m.StartManual(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	mine, err := m.LaneState(ctx, cred.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !mine.OccupiedByYou || mine.SessionID != resp.Session.ID || mine.ConnectURL == "" {
		t.Fatalf("occupant view missing details: %+v", mine)
	}

	theirs, err := m.LaneState(ctx, cred.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if theirs.Status != models.LaneManual || theirs.OccupiedByYou || theirs.SessionID != "" || theirs.ConnectURL != "" {
		t.Fatalf("non-occupant view leaked details: %+v", theirs)
	}

	got, err := m.GetSession(ctx, resp.Session.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteEndpoint != "" {
		t.Fatal("endpoint disclosed to non-owner")
	}
	if _, err := m.Endpoint(ctx, resp.Session.ID, "bob"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Endpoint(bob) err = %v, want not found", err)
	}
}

func TestRefreshHeartbeat(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	resp, err := m.StartManual(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.RefreshHeartbeat(ctx, resp.Session.ID, "alice"); err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}
	if err := m.RefreshHeartbeat(ctx, resp.Session.ID, "bob"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign heartbeat err = %v, want not found", err)
	}
	if err := m.RefreshHeartbeat(ctx, "no-such-session", "alice"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown heartbeat err = %v, want not found", err)
	}
}

func TestCloseManualIsIdempotent(t *testing.T) {
	m, fp, cred := newTestManager(t)
	ctx := context.Background()
	if _, err := m.StartManual(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	n, err := m.CloseManual(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("first close = %d, %v", n, err)
	}
	n, err = m.CloseManual(ctx, "alice")
	if err != nil || n != 0 {
		t.Fatalf("second close = %d, %v; want 0, nil", n, err)
	}
	if fp.stops() != 1 {
		t.Fatalf("provider stops = %d, want 1", fp.stops())
	}

	view, err := m.LaneState(ctx, cred.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.LaneAvailable {
		t.Fatalf("lane status = %s after close", view.Status)
	}
}

func TestForceRelease(t *testing.T) {
	m, fp, cred := newTestManager(t)
	ctx := context.Background()
	if _, err := m.StartManual(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	n, err := m.ForceRelease(ctx, cred.ID)
	if err != nil || n != 1 {
		t.Fatalf("ForceRelease = %d, %v", n, err)
	}
	if fp.stops() != 1 {
		t.Fatalf("provider stops = %d", fp.stops())
	}
	if _, err := m.StartManual(ctx, "bob"); err != nil {
		t.Fatalf("lane not reusable after force release: %v", err)
	}
}

func TestReleaseNotifiesFreedLane(t *testing.T) {
	m, _, cred := newTestManager(t)
	ctx := context.Background()
	var freed []string
	m.OnRelease(func(laneID string) { freed = append(freed, laneID) })

	if _, err := m.StartManual(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CloseManual(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	// nothing left to close
	if _, err := m.CloseManual(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(freed) != 1 || freed[0] != cred.ID {
		t.Fatalf("freed after close = %v, want [%s]", freed, cred.ID)
	}

	if _, err := m.StartManual(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ForceRelease(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ForceRelease(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	if len(freed) != 2 || freed[1] != cred.ID {
		t.Fatalf("freed after force release = %v", freed)
	}
}
