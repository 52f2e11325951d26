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

const credentialColumns = "id, name, token, is_active, is_default, max_concurrent, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		c                   models.Credential
		created, updated    int64
		isActive, isDefault bool
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Token, &isActive, &isDefault, &c.MaxConcurrent, &created, &updated); err != nil {
		return nil, err
	}
	c.IsActive = isActive
	c.IsDefault = isDefault
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// InsertCredential stores a new credential. An empty ID is generated.
// If c.IsDefault is set, the previous default is cleared in the same transaction.
func (s *Store) InsertCredential(ctx context.Context, c *models.Credential) error {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("credential name and token are required: %w", errs.ErrInvalidArgument)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if c.IsDefault {
			if _, err := s.exec(ctx, tx, "UPDATE credentials SET is_default = FALSE, updated_at = ? WHERE is_default = TRUE", toMillis(now)); err != nil {
				return fmt.Errorf("clear default: %w", err)
			}
		}
		_, err := s.exec(ctx, tx, `INSERT INTO credentials (`+credentialColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Token, c.IsActive, c.IsDefault, c.MaxConcurrent, toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

// GetCredential returns errs.ErrNotFound when the id is unknown.
func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+credentialColumns+" FROM credentials WHERE id = ?"), id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns credentials oldest first.
func (s *Store) ListCredentials(ctx context.Context, activeOnly bool) ([]models.Credential, error) {
	query := "SELECT " + credentialColumns + " FROM credentials"
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountCredentials counts all credential rows, active or not.
func (s *Store) CountCredentials(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// DefaultCredential returns the active credential flagged default, or nil.
func (s *Store) DefaultCredential(ctx context.Context) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE is_default = TRUE AND is_active = TRUE")
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("default credential: %w", err)
	}
	return c, nil
}

// OldestActiveCredential returns the first active credential by creation, or nil.
func (s *Store) OldestActiveCredential(ctx context.Context) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE is_active = TRUE ORDER BY created_at ASC, id ASC LIMIT 1")
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest active credential: %w", err)
	}
	return c, nil
}

// UpdateCredential applies the non-nil fields of in. Deactivating also drops
// the default flag.
func (s *Store) UpdateCredential(ctx context.Context, id string, in models.CredentialInput) (*models.Credential, error) {
	var (
		sets []string
		args []any
	)
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, fmt.Errorf("name cannot be empty: %w", errs.ErrInvalidArgument)
		}
		sets = append(sets, "name = ?")
		args = append(args, *in.Name)
	}
	if in.Token != nil {
		if strings.TrimSpace(*in.Token) == "" {
			return nil, fmt.Errorf("token cannot be empty: %w", errs.ErrInvalidArgument)
		}
		sets = append(sets, "token = ?")
		args = append(args, *in.Token)
	}
	if in.MaxConcurrent != nil {
		if *in.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("maxConcurrent must be positive: %w", errs.ErrInvalidArgument)
		}
		sets = append(sets, "max_concurrent = ?")
		args = append(args, *in.MaxConcurrent)
	}
	if in.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *in.IsActive)
		if !*in.IsActive {
			sets = append(sets, "is_default = FALSE")
		}
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, toMillis(s.now()), id)
		n, err := s.exec(ctx, s.db, "UPDATE credentials SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return nil, fmt.Errorf("update credential: %w", err)
		}
		if n == 0 {
			return nil, errs.ErrNotFound
		}
	}
	return s.GetCredential(ctx, id)
}

// DeactivateCredential marks the credential inactive and not default.
func (s *Store) DeactivateCredential(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.db, "UPDATE credentials SET is_active = FALSE, is_default = FALSE, updated_at = ? WHERE id = ?",
		toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetDefaultCredential clears the flag on every other credential and sets it on id.
// Only an active credential can become default.
func (s *Store) SetDefaultCredential(ctx context.Context, id string) error {
	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, s.rebind("SELECT is_active FROM credentials WHERE id = ?"), id).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup credential: %w", err)
		}
		if !active {
			return fmt.Errorf("credential %s is inactive: %w", id, errs.ErrInvalidArgument)
		}
		if _, err := s.exec(ctx, tx, "UPDATE credentials SET is_default = FALSE, updated_at = ? WHERE is_default = TRUE AND id <> ?", now, id); err != nil {
			return fmt.Errorf("clear default: %w", err)
		}
		if _, err := s.exec(ctx, tx, "UPDATE credentials SET is_default = TRUE, updated_at = ? WHERE id = ?", now, id); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return nil
	})
}
