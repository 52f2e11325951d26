// Package session is the lane registry: who holds each lane, since when, and
// whether they are still alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/provider"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Manager handles lane occupancy
type Manager struct {
	store    *store.Store
	dir      *directory.Directory
	provider provider.Provider
	log      *zap.Logger

	notifyMu sync.RWMutex
	notify   func(laneID string)
}

// NewManager creates a new lane registry
func NewManager(st *store.Store, dir *directory.Directory, p provider.Provider, log *zap.Logger) *Manager {
	if p == nil {
		p = provider.None{}
	}
	return &Manager{
		store:    st,
		dir:      dir,
		provider: p,
		log:      logging.OrNop(log).With(logging.Component("session")),
	}
}

// OnRelease registers a callback run for each lane freed by CloseManual or
// ForceRelease.
func (m *Manager) OnRelease(fn func(laneID string)) {
	m.notifyMu.Lock()
	m.notify = fn
	m.notifyMu.Unlock()
}

func (m *Manager) released(laneID string) {
	m.notifyMu.RLock()
	notify := m.notify
	m.notifyMu.RUnlock()
	if notify != nil {
		notify(laneID)
	}
}

// LaneState reports the lane's occupancy. Occupant details are filled in
// only when viewer is the occupant.
func (m *Manager) LaneState(ctx context.Context, laneID, viewer string) (*models.LaneView, error) {
	cred, err := m.dir.GetCredential(ctx, laneID)
	if err != nil {
		return nil, err
	}
	cur, err := m.store.ActiveSession(ctx, laneID)
	if err != nil {
		return nil, err
	}
	return laneView(cred, cur, viewer), nil
}

// Lanes reports every active lane from viewer's point of view.
func (m *Manager) Lanes(ctx context.Context, viewer string) ([]models.LaneView, error) {
	creds, err := m.dir.ListCredentials(ctx, true)
	if err != nil {
		return nil, err
	}
	active, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	byLane := make(map[string]*models.Session, len(active))
	for i := range active {
		byLane[active[i].LaneID] = &active[i]
	}

	views := make([]models.LaneView, 0, len(creds))
	for i := range creds {
		views = append(views, *laneView(&creds[i], byLane[creds[i].ID], viewer))
	}
	return views, nil
}

func laneView(cred *models.Credential, cur *models.Session, viewer string) *models.LaneView {
	view := &models.LaneView{LaneID: cred.ID, Name: cred.Name, Status: models.LaneAvailable}
	if !cur.Active() {
		return view
	}
	view.Status = models.LaneManual
	if cur.Kind == models.KindScrape {
		view.Status = models.LaneScraping
	}
	if viewer != "" && viewer == cur.UserID {
		since := cur.StartedAt
		beat := cur.LastHeartbeat
		view.OccupiedByYou = true
		view.Since = &since
		view.SessionID = cur.ID
		view.LastHeartbeat = &beat
		if cur.Kind == models.KindManual {
			view.ConnectURL = cur.RemoteEndpoint
		}
	}
	return view
}

// StartManual occupies the user's lane and opens its browser profile. A
// provider failure releases the lane again.
func (m *Manager) StartManual(ctx context.Context, userID string) (*models.StartManualResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", errs.ErrInvalidArgument)
	}
	lane, err := m.dir.ResolveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		LaneID: lane.LaneID,
		UserID: userID,
		Kind:   models.KindManual,
	}
	if lane.Profile != nil {
		sess.ProfileID = lane.Profile.ProviderProfileID
	}
	if err := m.store.OccupyLane(ctx, sess); err != nil {
		return nil, err
	}

	endpoint, err := m.provider.StartProfile(ctx, lane.Resolution.Credential.Token, sess.ProfileID)
	if err != nil {
		if _, closeErr := m.store.CloseSession(context.WithoutCancel(ctx), sess.ID); closeErr != nil {
			m.log.Error("failed to release lane after provider error", logging.SessionID(sess.ID), zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	ok, err := m.store.SetSessionEndpoint(ctx, sess.ID, endpoint)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Released while the profile was starting.
		m.StopBestEffort(context.WithoutCancel(ctx), sess)
		return nil, fmt.Errorf("session %s was closed during start: %w", sess.ID, errs.ErrStaleSession)
	}
	sess.RemoteEndpoint = endpoint

	m.log.Info("manual session started",
		logging.SessionID(sess.ID),
		logging.Lane(sess.LaneID),
		logging.UserID(userID),
		zap.String("source", string(lane.Resolution.Source)))

	return &models.StartManualResponse{Session: sess, ConnectURL: endpoint, LaneID: sess.LaneID}, nil
}

// RefreshHeartbeat fails with errs.ErrNotFound unless sessionID is the
// caller's active session.
func (m *Manager) RefreshHeartbeat(ctx context.Context, sessionID, userID string) error {
	ok, err := m.store.TouchHeartbeat(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no active session %s for user: %w", sessionID, errs.ErrNotFound)
	}
	return nil
}

// CloseManual closes the user's manual sessions and returns how many were
// open. Closing with nothing open returns zero and no error.
func (m *Manager) CloseManual(ctx context.Context, userID string) (int, error) {
	closed, err := m.store.CloseUserSessions(ctx, userID, models.KindManual)
	if err != nil {
		return len(closed), err
	}
	for i := range closed {
		m.StopBestEffort(ctx, &closed[i])
		m.log.Info("manual session closed", logging.SessionID(closed[i].ID), logging.Lane(closed[i].LaneID), logging.UserID(userID))
		m.released(closed[i].LaneID)
	}
	return len(closed), nil
}

// ForceRelease frees a lane whatever occupies it. Scrapes running on it keep
// their queue status; the processor notices when it finishes.
func (m *Manager) ForceRelease(ctx context.Context, laneID string) (int, error) {
	closed, err := m.store.CloseLane(ctx, laneID)
	if err != nil {
		return len(closed), err
	}
	for i := range closed {
		m.StopBestEffort(ctx, &closed[i])
		m.log.Warn("lane force released", logging.Lane(laneID), logging.SessionID(closed[i].ID),
			zap.String("kind", string(closed[i].Kind)))
	}
	if len(closed) > 0 {
		m.released(laneID)
	}
	return len(closed), nil
}

// ReleaseScrape closes the session tied to a scrape. It is safe to call more than once.
func (m *Manager) ReleaseScrape(ctx context.Context, scrapeID string) (int, error) {
	closed, err := m.store.CloseScrapeSessions(ctx, scrapeID)
	if err != nil {
		return len(closed), err
	}
	for i := range closed {
		m.StopBestEffort(ctx, &closed[i])
	}
	return len(closed), nil
}

// AttachEndpoint records the endpoint of a session opened by the scheduler.
func (m *Manager) AttachEndpoint(ctx context.Context, sessionID, endpoint string) error {
	ok, err := m.store.SetSessionEndpoint(ctx, sessionID, endpoint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is no longer active: %w", sessionID, errs.ErrStaleSession)
	}
	return nil
}

// StopBestEffort asks the provider to stop the session's profile. Failures
// are logged and never block reclamation.
func (m *Manager) StopBestEffort(ctx context.Context, sess *models.Session) {
	cred, err := m.dir.GetCredential(ctx, sess.LaneID)
	if err != nil {
		m.log.Warn("cannot stop profile, lane credential unavailable", logging.Lane(sess.LaneID), zap.Error(err))
		return
	}
	if err := m.provider.StopProfile(ctx, cred.Token, sess.ProfileID); err != nil {
		m.log.Warn("failed to stop browser profile",
			logging.SessionID(sess.ID), logging.Lane(sess.LaneID), logging.ProfileID(sess.ProfileID), zap.Error(err))
	}
}

// Endpoint returns the remote endpoint of the user's active manual session.
// Anyone else gets errs.ErrNotFound.
func (m *Manager) Endpoint(ctx context.Context, sessionID, userID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.Active() || sess.UserID != userID || sess.Kind != models.KindManual || sess.RemoteEndpoint == "" {
		return "", errs.ErrNotFound
	}
	return sess.RemoteEndpoint, nil
}

// GetSession hides the endpoint from anyone but the owner.
func (m *Manager) GetSession(ctx context.Context, id, viewer string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != viewer {
		sess.RemoteEndpoint = ""
	}
	return sess, nil
}

func (m *Manager) ListSessions(ctx context.Context, laneID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	return m.store.ListSessions(ctx, laneID, status, limit)
}

// Describe turns a busy error into a message for viewer.
func Describe(err error, viewer string) string {
	var busy *errs.ResourceBusyError
	if errors.As(err, &busy) {
		return busy.Describe(viewer)
	}
	return err.Error()
}
