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

const profileColumns = "id, provider_profile_id, name, is_active, api_key_id, created_at"

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		p       models.Profile
		active  bool
		keyID   sql.NullString
		created int64
	)
	if err := row.Scan(&p.ID, &p.ProviderProfileID, &p.Name, &active, &keyID, &created); err != nil {
		return nil, err
	}
	p.IsActive = active
	p.CredentialID = keyID.String
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// InsertProfile stores a new profile. An empty CredentialID is stored as NULL.
func (s *Store) InsertProfile(ctx context.Context, p *models.Profile) error {
	if strings.TrimSpace(p.ProviderProfileID) == "" {
		return fmt.Errorf("provider profile id is required: %w", errs.ErrInvalidArgument)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		p.Name = p.ProviderProfileID
	}
	p.CreatedAt = s.now()
	_, err := s.exec(ctx, s.db, "INSERT INTO profiles ("+profileColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, p.ProviderProfileID, p.Name, p.IsActive, nullString(p.CredentialID), toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, s.rebind("SELECT "+profileColumns+" FROM profiles WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns profiles oldest first. A non-empty credentialID filters by owner.
func (s *Store) ListProfiles(ctx context.Context, credentialID string) ([]models.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles"
	var args []any
	if credentialID != "" {
		query += " WHERE api_key_id = ?"
		args = append(args, credentialID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// FirstActiveProfile returns the oldest active profile owned by credentialID.
// With includeUnowned, profiles without an owner also qualify. Returns nil when none.
func (s *Store) FirstActiveProfile(ctx context.Context, credentialID string, includeUnowned bool) (*models.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles WHERE is_active = TRUE AND (api_key_id = ?"
	if includeUnowned {
		query += " OR api_key_id IS NULL"
	}
	query += ") ORDER BY created_at ASC, id ASC LIMIT 1"

	p, err := scanProfile(s.db.QueryRowContext(ctx, s.rebind(query), credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first active profile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies the non-nil fields of in. An empty CredentialID clears the owner.
func (s *Store) UpdateProfile(ctx context.Context, id string, in models.ProfileInput) (*models.Profile, error) {
	var (
		sets []string
		args []any
	)
	if in.ProviderProfileID != nil {
		if strings.TrimSpace(*in.ProviderProfileID) == "" {
			return nil, fmt.Errorf("provider profile id cannot be empty: %w", errs.ErrInvalidArgument)
		}
		sets = append(sets, "provider_profile_id = ?")
		args = append(args, *in.ProviderProfileID)
	}
	if in.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *in.Name)
	}
	if in.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *in.IsActive)
	}
	if in.CredentialID != nil {
		sets = append(sets, "api_key_id = ?")
		args = append(args, nullString(*in.CredentialID))
	}
	if len(sets) > 0 {
		args = append(args, id)
		n, err := s.exec(ctx, s.db, "UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}
		if n == 0 {
			return nil, errs.ErrNotFound
		}
	}
	return s.GetProfile(ctx, id)
}

// UpsertAssignment binds userID to a profile. The last write wins.
func (s *Store) UpsertAssignment(ctx context.Context, a *models.Assignment) error {
	if a.UserID == "" || a.ProfileID == "" {
		return fmt.Errorf("user and profile are required: %w", errs.ErrInvalidArgument)
	}
	if _, err := s.GetProfile(ctx, a.ProfileID); err != nil {
		return err
	}
	a.AssignedAt = s.now()
	_, err := s.exec(ctx, s.db, `INSERT INTO user_profile_assignment (user_id, profile_id, assigned_by, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			assigned_by = excluded.assigned_by,
			assigned_at = excluded.assigned_at`,
		a.UserID, a.ProfileID, a.AssignedBy, toMillis(a.AssignedAt))
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes the user's assignment and reports whether one existed.
func (s *Store) DeleteAssignment(ctx context.Context, userID string) (bool, error) {
	n, err := s.exec(ctx, s.db, "DELETE FROM user_profile_assignment WHERE user_id = ?", userID)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return n > 0, nil
}

// GetAssignment returns nil when the user has no assignment.
func (s *Store) GetAssignment(ctx context.Context, userID string) (*models.Assignment, error) {
	var (
		a        models.Assignment
		assigned int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT user_id, profile_id, assigned_by, assigned_at
		FROM user_profile_assignment WHERE user_id = ?`), userID).Scan(&a.UserID, &a.ProfileID, &a.AssignedBy, &assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a.AssignedAt = fromMillis(assigned)
	return &a, nil
}

// ListAssignments returns all assignments ordered by user.
func (s *Store) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, profile_id, assigned_by, assigned_at
		FROM user_profile_assignment ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var (
			a        models.Assignment
			assigned int64
		)
		if err := rows.Scan(&a.UserID, &a.ProfileID, &a.AssignedBy, &assigned); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedAt = fromMillis(assigned)
		out = append(out, a)
	}
	return out, rows.Err()
}
