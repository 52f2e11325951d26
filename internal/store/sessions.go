package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

const sessionColumns = "id, lane_id, user_id, kind, status, scrape_id, profile_id, started_at, ended_at, last_heartbeat, remote_endpoint"

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess              models.Session
		kind, status      string
		scrapeID, profile sql.NullString
		started, beat     int64
		ended             sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.LaneID, &sess.UserID, &kind, &status, &scrapeID, &profile,
		&started, &ended, &beat, &sess.RemoteEndpoint); err != nil {
		return nil, err
	}
	sess.Kind = models.SessionKind(kind)
	sess.Status = models.SessionStatus(status)
	sess.ScrapeID = scrapeID.String
	sess.ProfileID = profile.String
	sess.StartedAt = fromMillis(started)
	sess.EndedAt = nullMillis(ended)
	sess.LastHeartbeat = fromMillis(beat)
	return &sess, nil
}

func (s *Store) querySessions(ctx context.Context, ex execer, query string, args ...any) ([]models.Session, error) {
	rows, err := ex.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) insertSession(ctx context.Context, ex execer, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.now()
	sess.Status = models.SessionActive
	sess.StartedAt = now
	sess.LastHeartbeat = now
	sess.EndedAt = nil
	_, err := s.exec(ctx, ex, "INSERT INTO sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sess.ID, sess.LaneID, sess.UserID, string(sess.Kind), string(sess.Status),
		nullString(sess.ScrapeID), nullString(sess.ProfileID),
		toMillis(now), nil, toMillis(now), sess.RemoteEndpoint)
	return err
}

// busyError describes whoever currently holds the lane.
func (s *Store) busyError(ctx context.Context, laneID string) error {
	cur, err := s.ActiveSession(ctx, laneID)
	if err != nil {
		return err
	}
	if cur == nil {
		return &errs.ResourceBusyError{LaneID: laneID, Kind: "unknown"}
	}
	return &errs.ResourceBusyError{LaneID: laneID, Kind: string(cur.Kind), OwnerID: cur.UserID}
}

// OccupyLane inserts an active session for sess.LaneID. The partial unique
// index on active sessions makes this the lane's compare-and-swap: a lane that
// is already held yields *errs.ResourceBusyError.
func (s *Store) OccupyLane(ctx context.Context, sess *models.Session) error {
	if sess.LaneID == "" || sess.UserID == "" {
		return fmt.Errorf("lane and user are required: %w", errs.ErrInvalidArgument)
	}
	if err := s.insertSession(ctx, s.db, sess); err != nil {
		if isUniqueViolation(err) {
			return s.busyError(ctx, sess.LaneID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ActiveSession returns the lane's current occupant, or nil if the lane is free.
func (s *Store) ActiveSession(ctx context.Context, laneID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+sessionColumns+" FROM sessions WHERE lane_id = ? AND status = 'active'"), laneID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return sess, nil
}

// ActiveSessions returns every active session across lanes.
func (s *Store) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	out, err := s.querySessions(ctx, s.db, "SELECT "+sessionColumns+" FROM sessions WHERE status = 'active' ORDER BY started_at ASC")
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.rebind("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns history newest first. Empty filters match everything.
func (s *Store) ListSessions(ctx context.Context, laneID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE 1 = 1"
	var args []any
	if laneID != "" {
		query += " AND lane_id = ?"
		args = append(args, laneID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	out, err := s.querySessions(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// SetSessionEndpoint records the remote endpoint of an active session.
func (s *Store) SetSessionEndpoint(ctx context.Context, id, endpoint string) (bool, error) {
	n, err := s.exec(ctx, s.db, "UPDATE sessions SET remote_endpoint = ? WHERE id = ? AND status = 'active'", endpoint, id)
	if err != nil {
		return false, fmt.Errorf("set session endpoint: %w", err)
	}
	return n > 0, nil
}

// TouchHeartbeat refreshes last_heartbeat if the session is an active manual
// session owned by userID.
func (s *Store) TouchHeartbeat(ctx context.Context, id, userID string) (bool, error) {
	n, err := s.exec(ctx, s.db, "UPDATE sessions SET last_heartbeat = ? WHERE id = ? AND user_id = ? AND status = 'active' AND kind = 'manual'",
		toMillis(s.now()), id, userID)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return n > 0, nil
}

// CloseSession moves an active session to completed. It reports false when the
// session was already closed.
func (s *Store) CloseSession(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, s.db, "UPDATE sessions SET status = 'completed', ended_at = ? WHERE id = ? AND status = 'active'",
		toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	return n > 0, nil
}

// CloseUserSessions closes the user's active sessions of the given kind and
// returns the ones this call closed.
func (s *Store) CloseUserSessions(ctx context.Context, userID string, kind models.SessionKind) ([]models.Session, error) {
	active, err := s.querySessions(ctx, s.db, "SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? AND kind = ? AND status = 'active'",
		userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("user sessions: %w", err)
	}
	return s.closeEach(ctx, active)
}

// CloseScrapeSessions closes the active sessions tied to a scrape.
func (s *Store) CloseScrapeSessions(ctx context.Context, scrapeID string) ([]models.Session, error) {
	active, err := s.querySessions(ctx, s.db, "SELECT "+sessionColumns+" FROM sessions WHERE scrape_id = ? AND status = 'active'", scrapeID)
	if err != nil {
		return nil, fmt.Errorf("scrape sessions: %w", err)
	}
	return s.closeEach(ctx, active)
}

// CloseLane closes whatever occupies the lane.
func (s *Store) CloseLane(ctx context.Context, laneID string) ([]models.Session, error) {
	active, err := s.querySessions(ctx, s.db, "SELECT "+sessionColumns+" FROM sessions WHERE lane_id = ? AND status = 'active'", laneID)
	if err != nil {
		return nil, fmt.Errorf("lane sessions: %w", err)
	}
	return s.closeEach(ctx, active)
}

func (s *Store) closeEach(ctx context.Context, sessions []models.Session) ([]models.Session, error) {
	var closed []models.Session
	for _, sess := range sessions {
		ok, err := s.CloseSession(ctx, sess.ID)
		if err != nil {
			return closed, err
		}
		if ok {
			sess.Status = models.SessionCompleted
			closed = append(closed, sess)
		}
	}
	return closed, nil
}

// StaleManualSessions lists active manual sessions whose heartbeat is older than cutoff.
func (s *Store) StaleManualSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	out, err := s.querySessions(ctx, s.db, "SELECT "+sessionColumns+` FROM sessions
		WHERE status = 'active' AND kind = 'manual' AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale sessions: %w", err)
	}
	return out, nil
}

// ReclaimStaleSession closes a manual session only if its heartbeat is still
// older than cutoff, so a heartbeat racing the reaper wins.
func (s *Store) ReclaimStaleSession(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, `UPDATE sessions SET status = 'completed', ended_at = ?
		WHERE id = ? AND status = 'active' AND kind = 'manual' AND last_heartbeat < ?`,
		toMillis(s.now()), id, toMillis(cutoff))
	if err != nil {
		return false, fmt.Errorf("reclaim session: %w", err)
	}
	return n > 0, nil
}
