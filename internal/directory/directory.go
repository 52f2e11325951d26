// Package directory maps users and profiles to lanes. Every active credential
// is a lane; reads go through a short TTL cache that writes invalidate.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/cache"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

const bootstrapName = "bootstrap"

// Options configure the fallback chain.
type Options struct {
	// BootstrapToken is used only while no credential rows exist.
	BootstrapToken string
	// DefaultProfileID is a provider profile id used for unassigned users.
	DefaultProfileID string
	CacheTTL         time.Duration
}

// Directory is the credential and profile directory.
type Directory struct {
	store *store.Store
	opts  Options
	log   *zap.Logger

	credentials *cache.Cache[*models.Credential]
	profiles    *cache.Cache[*models.Profile]
	assignments *cache.Cache[*models.Assignment]
	defaults    *cache.Cache[Resolution]

	bootstrapMu sync.Mutex
}

func New(st *store.Store, opts Options, log *zap.Logger) *Directory {
	return &Directory{
		store:       st,
		opts:        opts,
		log:         logging.OrNop(log).With(logging.Component("directory")),
		credentials: cache.New[*models.Credential](opts.CacheTTL),
		profiles:    cache.New[*models.Profile](opts.CacheTTL),
		assignments: cache.New[*models.Assignment](opts.CacheTTL),
		defaults:    cache.New[Resolution](opts.CacheTTL),
	}
}

// invalidateCredentials is used after any change that can move the default.
func (d *Directory) invalidateCredentials() {
	d.credentials.InvalidateAll()
	d.defaults.InvalidateAll()
}

// Credentials

func (d *Directory) CreateCredential(ctx context.Context, in models.CredentialInput, isDefault bool) (*models.Credential, error) {
	c := &models.Credential{IsActive: true, IsDefault: isDefault, MaxConcurrent: 1}
	if in.Name != nil {
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.Token != nil {
		c.Token = strings.TrimSpace(*in.Token)
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
	if in.MaxConcurrent != nil {
		c.MaxConcurrent = *in.MaxConcurrent
	}
	if c.IsDefault && !c.IsActive {
		return nil, fmt.Errorf("an inactive credential cannot be default: %w", errs.ErrInvalidArgument)
	}
	if err := d.store.InsertCredential(ctx, c); err != nil {
		return nil, err
	}
	d.invalidateCredentials()
	d.log.Info("credential created", logging.Lane(c.ID), zap.String("name", c.Name), zap.Bool("default", c.IsDefault))
	return c, nil
}

func (d *Directory) UpdateCredential(ctx context.Context, id string, in models.CredentialInput) (*models.Credential, error) {
	c, err := d.store.UpdateCredential(ctx, id, in)
	if err != nil {
		return nil, err
	}
	if in.IsActive != nil {
		d.invalidateCredentials()
	} else {
		d.credentials.Invalidate(id)
		d.defaults.InvalidateAll()
	}
	return c, nil
}

func (d *Directory) DeactivateCredential(ctx context.Context, id string) error {
	if err := d.store.DeactivateCredential(ctx, id); err != nil {
		return err
	}
	d.invalidateCredentials()
	d.log.Info("credential deactivated", logging.Lane(id))
	return nil
}

func (d *Directory) SetDefault(ctx context.Context, id string) error {
	if err := d.store.SetDefaultCredential(ctx, id); err != nil {
		return err
	}
	d.invalidateCredentials()
	d.log.Info("default credential changed", logging.Lane(id))
	return nil
}

func (d *Directory) ListCredentials(ctx context.Context, activeOnly bool) ([]models.Credential, error) {
	return d.store.ListCredentials(ctx, activeOnly)
}

// GetCredential returns a credential regardless of its active flag.
func (d *Directory) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	return d.credentials.GetOrLoad(ctx, id, func(ctx context.Context) (*models.Credential, error) {
		return d.store.GetCredential(ctx, id)
	})
}

// Profiles

func (d *Directory) CreateProfile(ctx context.Context, in models.ProfileInput) (*models.Profile, error) {
	p := &models.Profile{IsActive: true}
	if in.ProviderProfileID != nil {
		p.ProviderProfileID = strings.TrimSpace(*in.ProviderProfileID)
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if in.CredentialID != nil && *in.CredentialID != "" {
		if _, err := d.store.GetCredential(ctx, *in.CredentialID); err != nil {
			return nil, fmt.Errorf("profile owner %s: %w", *in.CredentialID, err)
		}
		p.CredentialID = *in.CredentialID
	}
	if err := d.store.InsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Directory) UpdateProfile(ctx context.Context, id string, in models.ProfileInput) (*models.Profile, error) {
	if in.CredentialID != nil && *in.CredentialID != "" {
		if _, err := d.store.GetCredential(ctx, *in.CredentialID); err != nil {
			return nil, fmt.Errorf("profile owner %s: %w", *in.CredentialID, err)
		}
	}
	p, err := d.store.UpdateProfile(ctx, id, in)
	if err != nil {
		return nil, err
	}
	d.profiles.Invalidate(id)
	// Assignments embed nothing from the profile, but the default profile of a
	// credential may have changed.
	d.defaults.InvalidateAll()
	return p, nil
}

func (d *Directory) ListProfiles(ctx context.Context, credentialID string) ([]models.Profile, error) {
	return d.store.ListProfiles(ctx, credentialID)
}

func (d *Directory) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return d.profiles.GetOrLoad(ctx, id, func(ctx context.Context) (*models.Profile, error) {
		return d.store.GetProfile(ctx, id)
	})
}

// Assignments

// AssignProfile binds a user to a profile, replacing any previous binding.
func (d *Directory) AssignProfile(ctx context.Context, userID, profileID, admin string) (*models.Assignment, error) {
	a := &models.Assignment{UserID: userID, ProfileID: profileID, AssignedBy: admin}
	if err := d.store.UpsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	d.assignments.Invalidate(userID)
	d.log.Info("profile assigned", logging.UserID(userID), logging.ProfileID(profileID), zap.String("by", admin))
	return a, nil
}

// UnassignProfile reports whether the user had an assignment.
func (d *Directory) UnassignProfile(ctx context.Context, userID string) (bool, error) {
	removed, err := d.store.DeleteAssignment(ctx, userID)
	if err != nil {
		return false, err
	}
	d.assignments.Invalidate(userID)
	return removed, nil
}

// Assignment returns nil when the user is unassigned.
func (d *Directory) Assignment(ctx context.Context, userID string) (*models.Assignment, error) {
	return d.assignments.GetOrLoad(ctx, userID, func(ctx context.Context) (*models.Assignment, error) {
		return d.store.GetAssignment(ctx, userID)
	})
}

func (d *Directory) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	return d.store.ListAssignments(ctx)
}
