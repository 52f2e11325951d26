package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

const entryColumns = `scrape_id, lane_id, profile_id, status, created_at, started_at, completed_at,
	pages_scraped, leads_found, verified_leads, error_message`

// claimBatch bounds how many pending entries one claim attempt walks past.
const claimBatch = 16

var errLaneTaken = errors.New("lane taken during claim")

// Claim is a dispatched queue entry together with the lane session it holds.
type Claim struct {
	Request models.ScrapeRequest
	Entry   models.QueueEntry
	Session models.Session
}

// Outcome is the terminal result a processor records for a running entry.
type Outcome struct {
	Status        models.EntryStatus
	PagesScraped  int
	LeadsFound    int
	VerifiedLeads int
	Message       string
}

func scanEntry(row rowScanner) (*models.QueueEntry, int, error) {
	var (
		e                  models.QueueEntry
		status             string
		created            int64
		started, completed sql.NullInt64
		verified           int
	)
	if err := row.Scan(&e.ScrapeID, &e.LaneID, &e.ProfileID, &status, &created, &started, &completed,
		&e.PagesScraped, &e.LeadsFound, &verified, &e.ErrorMessage); err != nil {
		return nil, 0, err
	}
	e.Status = models.EntryStatus(status)
	e.CreatedAt = fromMillis(created)
	e.StartedAt = nullMillis(started)
	e.CompletedAt = nullMillis(completed)
	return &e, verified, nil
}

func (s *Store) insertEntry(ctx context.Context, ex execer, e *models.QueueEntry) error {
	if e.LaneID == "" {
		return fmt.Errorf("queue entry needs a lane: %w", errs.ErrInvalidArgument)
	}
	e.Status = models.EntryPending
	e.CreatedAt = s.now()
	_, err := s.exec(ctx, ex, `INSERT INTO queue_entries (scrape_id, lane_id, profile_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`, e.ScrapeID, e.LaneID, e.ProfileID, string(e.Status), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *Store) getEntry(ctx context.Context, ex execer, scrapeID string) (*models.QueueEntry, int, error) {
	e, verified, err := scanEntry(ex.QueryRowContext(ctx, s.rebind("SELECT "+entryColumns+" FROM queue_entries WHERE scrape_id = ?"), scrapeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errs.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get queue entry: %w", err)
	}
	return e, verified, nil
}

// GetEntry returns errs.ErrNotFound for requests that never entered the queue.
func (s *Store) GetEntry(ctx context.Context, scrapeID string) (*models.QueueEntry, error) {
	e, _, err := s.getEntry(ctx, s.db, scrapeID)
	return e, err
}

// EntryVerifiedLeads returns the verified lead count recorded at finish.
func (s *Store) EntryVerifiedLeads(ctx context.Context, scrapeID string) (int, error) {
	_, verified, err := s.getEntry(ctx, s.db, scrapeID)
	return verified, err
}

// ClaimNext dispatches the oldest eligible pending entry of the lane. In one
// transaction it moves the entry pending→running, occupies the lane with a
// scrape session and moves the request queued→running. It returns (nil, nil)
// when there is nothing to claim and *errs.ResourceBusyError when the lane is held.
func (s *Store) ClaimNext(ctx context.Context, laneID string) (*Claim, error) {
	var claim *Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var held int
		if err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM sessions WHERE lane_id = ? AND status = 'active'"), laneID).Scan(&held); err != nil {
			return fmt.Errorf("check lane: %w", err)
		}
		if held > 0 {
			return errLaneTaken
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT q.scrape_id FROM queue_entries q
			JOIN scrape_requests r ON r.id = q.scrape_id
			WHERE q.lane_id = ? AND q.status = 'pending' AND r.status = 'queued'
			ORDER BY q.seq ASC LIMIT ?`), laneID, claimBatch)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending: %w", err)
			}
			candidates = append(candidates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := toMillis(s.now())
		for _, scrapeID := range candidates {
			n, err := s.exec(ctx, tx, "UPDATE queue_entries SET status = 'running', started_at = ? WHERE scrape_id = ? AND status = 'pending'", now, scrapeID)
			if err != nil {
				return fmt.Errorf("claim entry: %w", err)
			}
			if n == 0 {
				continue
			}
			n, err = s.exec(ctx, tx, "UPDATE scrape_requests SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'", now, scrapeID)
			if err != nil {
				return fmt.Errorf("claim request: %w", err)
			}
			if n == 0 {
				// Request moved under us; put the entry back and try the next one.
				if _, err := s.exec(ctx, tx, "UPDATE queue_entries SET status = 'pending', started_at = NULL WHERE scrape_id = ? AND status = 'running'", scrapeID); err != nil {
					return fmt.Errorf("unclaim entry: %w", err)
				}
				continue
			}

			req, err := s.getRequest(ctx, tx, scrapeID)
			if err != nil {
				return err
			}
			entry, _, err := s.getEntry(ctx, tx, scrapeID)
			if err != nil {
				return err
			}
			sess := models.Session{
				ID:        uuid.NewString(),
				LaneID:    laneID,
				UserID:    req.UserID,
				Kind:      models.KindScrape,
				ScrapeID:  scrapeID,
				ProfileID: entry.ProfileID,
			}
			if err := s.insertSession(ctx, tx, &sess); err != nil {
				if isUniqueViolation(err) {
					return errLaneTaken
				}
				return fmt.Errorf("occupy lane: %w", err)
			}
			claim = &Claim{Request: *req, Entry: *entry, Session: sess}
			return nil
		}
		return nil
	})
	if errors.Is(err, errLaneTaken) {
		return nil, s.busyError(ctx, laneID)
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// UpdateProgress records live counters. Cancelled entries keep accepting
// progress so partial results are not lost.
func (s *Store) UpdateProgress(ctx context.Context, scrapeID string, pages, leads int) (bool, error) {
	n, err := s.exec(ctx, s.db, `UPDATE queue_entries SET pages_scraped = ?, leads_found = ?
		WHERE scrape_id = ? AND status IN ('running', 'cancelled')`, pages, leads, scrapeID)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return n > 0, nil
}

// FinishEntry moves a running entry and its request to a terminal status.
// It reports false when the entry is no longer running, for example after a
// cancel; the final counters are still stored in that case.
func (s *Store) FinishEntry(ctx context.Context, scrapeID string, out Outcome) (bool, error) {
	var reqStatus models.RequestStatus
	switch out.Status {
	case models.EntryCompleted:
		reqStatus = models.RequestCompleted
	case models.EntryFailed:
		reqStatus = models.RequestFailed
	default:
		return false, fmt.Errorf("finish with status %q: %w", out.Status, errs.ErrInvalidTransition)
	}
	errMsg := ""
	if out.Status == models.EntryFailed {
		errMsg = out.Message
	}

	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		n, err := s.exec(ctx, tx, `UPDATE queue_entries SET status = ?, completed_at = ?, pages_scraped = ?,
			leads_found = ?, verified_leads = ?, error_message = ?
			WHERE scrape_id = ? AND status = 'running'`,
			string(out.Status), now, out.PagesScraped, out.LeadsFound, out.VerifiedLeads, errMsg, scrapeID)
		if err != nil {
			return fmt.Errorf("finish entry: %w", err)
		}
		if n == 0 {
			_, err := s.exec(ctx, tx, `UPDATE queue_entries SET pages_scraped = ?, leads_found = ?, verified_leads = ?
				WHERE scrape_id = ? AND status = 'cancelled'`, out.PagesScraped, out.LeadsFound, out.VerifiedLeads, scrapeID)
			return err
		}
		if _, err := s.exec(ctx, tx, "UPDATE scrape_requests SET status = ?, message = ?, updated_at = ? WHERE id = ? AND status = 'running'",
			string(reqStatus), out.Message, now, scrapeID); err != nil {
			return fmt.Errorf("finish request: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// QueuePosition is 0 for running or finished entries, otherwise one plus the
// number of pending or running entries ahead of it on the same lane.
func (s *Store) QueuePosition(ctx context.Context, scrapeID string) (int, error) {
	var (
		status string
		seq    int64
		lane   string
	)
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT status, seq, lane_id FROM queue_entries WHERE scrape_id = ?"), scrapeID).Scan(&status, &seq, &lane)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	if models.EntryStatus(status) != models.EntryPending {
		return 0, nil
	}
	var ahead int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM queue_entries
		WHERE lane_id = ? AND seq < ? AND status IN ('pending', 'running')`), lane, seq).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return ahead + 1, nil
}

// PendingLanes lists lanes that have pending entries.
func (s *Store) PendingLanes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT lane_id FROM queue_entries WHERE status = 'pending' ORDER BY lane_id")
	if err != nil {
		return nil, fmt.Errorf("pending lanes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var lane string
		if err := rows.Scan(&lane); err != nil {
			return nil, err
		}
		out = append(out, lane)
	}
	return out, rows.Err()
}

// QueueDepth counts pending entries on a lane.
func (s *Store) QueueDepth(ctx context.Context, laneID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM queue_entries WHERE lane_id = ? AND status = 'pending'"), laneID).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// MovePendingEntries rehomes pending work from a lane that went away.
func (s *Store) MovePendingEntries(ctx context.Context, fromLane, toLane string) (int64, error) {
	n, err := s.exec(ctx, s.db, "UPDATE queue_entries SET lane_id = ? WHERE lane_id = ? AND status = 'pending'", toLane, fromLane)
	if err != nil {
		return 0, fmt.Errorf("move pending entries: %w", err)
	}
	return n, nil
}

// RecoverInterrupted fails entries left running on a lane by a previous
// process and frees the lane's scrape session. It returns the affected scrape ids.
func (s *Store) RecoverInterrupted(ctx context.Context, laneID, message string) ([]string, error) {
	var recovered []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind("SELECT scrape_id FROM queue_entries WHERE lane_id = ? AND status = 'running'"), laneID)
		if err != nil {
			return fmt.Errorf("select running: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := toMillis(s.now())
		for _, id := range ids {
			n, err := s.exec(ctx, tx, "UPDATE queue_entries SET status = 'failed', completed_at = ?, error_message = ? WHERE scrape_id = ? AND status = 'running'",
				now, message, id)
			if err != nil {
				return fmt.Errorf("fail entry: %w", err)
			}
			if n == 0 {
				continue
			}
			if _, err := s.exec(ctx, tx, "UPDATE scrape_requests SET status = 'failed', message = ?, updated_at = ? WHERE id = ? AND status = 'running'",
				message, now, id); err != nil {
				return fmt.Errorf("fail request: %w", err)
			}
			recovered = append(recovered, id)
		}
		if _, err := s.exec(ctx, tx, "UPDATE sessions SET status = 'completed', ended_at = ? WHERE lane_id = ? AND kind = 'scrape' AND status = 'active'",
			now, laneID); err != nil {
			return fmt.Errorf("close scrape sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}
