package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

const requestColumns = `id, user_id, url, pages, status, requires_approval, approved_by, approved_at,
	message, settlement, billed_leads, settled_by, settled_at, created_at, updated_at`

func scanRequest(row rowScanner) (*models.ScrapeRequest, error) {
	var (
		r                     models.ScrapeRequest
		status, settlement    string
		approvedBy, settledBy sql.NullString
		approvedAt, settledAt sql.NullInt64
		created, updated      int64
		requiresApproval      bool
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.URL, &r.Pages, &status, &requiresApproval, &approvedBy, &approvedAt,
		&r.Message, &settlement, &r.BilledLeads, &settledBy, &settledAt, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.RequiresApproval = requiresApproval
	r.ApprovedBy = approvedBy.String
	r.ApprovedAt = nullMillis(approvedAt)
	r.Settlement = models.SettlementStatus(settlement)
	r.SettledBy = settledBy.String
	r.SettledAt = nullMillis(settledAt)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// InsertRequest stores a request and, when entry is non-nil, its queue entry in
// the same transaction. A request awaiting approval must not carry an entry.
func (s *Store) InsertRequest(ctx context.Context, r *models.ScrapeRequest, entry *models.QueueEntry) error {
	if r.Status == models.RequestPendingApproval && entry != nil {
		return fmt.Errorf("request awaiting approval cannot be queued: %w", errs.ErrInvalidTransition)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Settlement == "" {
		r.Settlement = models.SettlementNone
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `INSERT INTO scrape_requests (id, user_id, url, pages, status, requires_approval,
			message, settlement, billed_leads, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			r.ID, r.UserID, r.URL, r.Pages, string(r.Status), r.RequiresApproval,
			r.Message, string(r.Settlement), toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if entry != nil {
			entry.ScrapeID = r.ID
			if err := s.insertEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.ScrapeRequest, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *Store) getRequest(ctx context.Context, ex execer, id string) (*models.ScrapeRequest, error) {
	r, err := scanRequest(ex.QueryRowContext(ctx, s.rebind("SELECT "+requestColumns+" FROM scrape_requests WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// RequestStatus reads only the status column. Workers poll it between pages.
func (s *Store) RequestStatus(ctx context.Context, id string) (models.RequestStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT status FROM scrape_requests WHERE id = ?"), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("request status: %w", err)
	}
	return models.RequestStatus(status), nil
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	UserID     string
	Statuses   []models.RequestStatus
	Settlement models.SettlementStatus
	Limit      int
}

// ListRequests returns requests newest first.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]models.ScrapeRequest, error) {
	query := "SELECT " + requestColumns + " FROM scrape_requests WHERE 1 = 1"
	var args []any
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	if f.Settlement != "" {
		query += " AND settlement = ?"
		args = append(args, string(f.Settlement))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []models.ScrapeRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// transitionError explains a failed status CAS on a request.
func (s *Store) transitionError(ctx context.Context, ex execer, id string, want models.RequestStatus) error {
	r, err := s.getRequest(ctx, ex, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("request %s is %s, not %s: %w", id, r.Status, want, errs.ErrInvalidTransition)
}

// ApproveRequest moves a pending_approval request to queued and enqueues entry.
func (s *Store) ApproveRequest(ctx context.Context, id, admin string, entry *models.QueueEntry) error {
	if entry == nil {
		return fmt.Errorf("approve needs a queue entry: %w", errs.ErrInvalidArgument)
	}
	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `UPDATE scrape_requests SET status = 'queued', approved_by = ?, approved_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending_approval'`, admin, now, now, id)
		if err != nil {
			return fmt.Errorf("approve request: %w", err)
		}
		if n == 0 {
			return s.transitionError(ctx, tx, id, models.RequestPendingApproval)
		}
		entry.ScrapeID = id
		return s.insertEntry(ctx, tx, entry)
	})
}

// RejectRequest cancels a request that is still awaiting approval.
func (s *Store) RejectRequest(ctx context.Context, id, admin, reason string) error {
	if reason == "" {
		reason = "Rejected by admin"
	}
	now := toMillis(s.now())
	n, err := s.exec(ctx, s.db, `UPDATE scrape_requests SET status = 'cancelled', settlement = 'rejected', message = ?,
		settled_by = ?, settled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending_approval'`, reason, admin, now, now, id)
	if err != nil {
		return fmt.Errorf("reject request: %w", err)
	}
	if n == 0 {
		return s.transitionError(ctx, s.db, id, models.RequestPendingApproval)
	}
	return nil
}

// CancelRequest cancels any non-terminal request together with its queue
// entry and returns the status it had before. Lane sessions are left to the caller.
func (s *Store) CancelRequest(ctx context.Context, id, message string) (models.RequestStatus, error) {
	if message == "" {
		message = "Cancelled by user"
	}
	var prev models.RequestStatus
	// A lost race means someone else moved the request first; re-read and retry.
	for attempt := 0; attempt < 3; attempt++ {
		applied := false
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			r, err := s.getRequest(ctx, tx, id)
			if err != nil {
				return err
			}
			if r.Status.Terminal() {
				return fmt.Errorf("request %s is already %s: %w", id, r.Status, errs.ErrInvalidTransition)
			}
			prev = r.Status
			now := toMillis(s.now())
			n, err := s.exec(ctx, tx, "UPDATE scrape_requests SET status = 'cancelled', message = ?, updated_at = ? WHERE id = ? AND status = ?",
				message, now, id, string(prev))
			if err != nil {
				return fmt.Errorf("cancel request: %w", err)
			}
			if n == 0 {
				return nil
			}
			if _, err := s.exec(ctx, tx, `UPDATE queue_entries SET status = 'cancelled', completed_at = ?, error_message = ?
				WHERE scrape_id = ? AND status IN ('pending', 'running')`, now, message, id); err != nil {
				return fmt.Errorf("cancel entry: %w", err)
			}
			applied = true
			return nil
		})
		if err != nil {
			return "", err
		}
		if applied {
			return prev, nil
		}
	}
	return "", fmt.Errorf("request %s kept changing during cancel: %w", id, errs.ErrInvalidTransition)
}

// SetSettlement moves the settlement status from one of from to to.
// It reports false when the current settlement is not in from.
func (s *Store) SetSettlement(ctx context.Context, id string, from []models.SettlementStatus, to models.SettlementStatus,
	billed int, by, message string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("settlement transition needs a source state: %w", errs.ErrInvalidArgument)
	}
	now := toMillis(s.now())
	marks := make([]string, len(from))
	args := []any{string(to), billed, nullString(by), now, now}
	query := "UPDATE scrape_requests SET settlement = ?, billed_leads = ?, settled_by = ?, settled_at = ?, updated_at = ?"
	if message != "" {
		query += ", message = ?"
		args = append(args, message)
	}
	args = append(args, id)
	for i, st := range from {
		marks[i] = "?"
		args = append(args, string(st))
	}
	query += " WHERE id = ? AND settlement IN (" + strings.Join(marks, ", ") + ")"

	n, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("set settlement: %w", err)
	}
	return n > 0, nil
}
