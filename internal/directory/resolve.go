package directory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Source tells where a resolved credential came from.
type Source string

const (
	// SourceAssignment is the profile's own credential.
	SourceAssignment Source = "assignment"
	SourceDefault    Source = "default"
	// SourceOldest is the oldest active credential, used when none is flagged default.
	SourceOldest Source = "oldest"
	// SourceBootstrap is the configured token, persisted on first use.
	SourceBootstrap Source = "bootstrap"
	SourceNone      Source = "none"
)

// Resolution is a credential together with its provenance.
type Resolution struct {
	Credential *models.Credential
	Source     Source
}

// Found reports whether a credential was resolved.
func (r Resolution) Found() bool { return r.Credential != nil && r.Source != SourceNone }

// UserLane is what a user's work runs on.
type UserLane struct {
	LaneID     string
	Profile    *models.Profile
	Resolution Resolution
}

// ResolveCredential resolves the credential that owns profile. A nil profile
// or one without an active owner falls back to the default chain.
func (d *Directory) ResolveCredential(ctx context.Context, profile *models.Profile) (Resolution, error) {
	if profile != nil && profile.CredentialID != "" {
		c, err := d.GetCredential(ctx, profile.CredentialID)
		switch {
		case err == nil && c.IsActive:
			return Resolution{Credential: c, Source: SourceAssignment}, nil
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			return Resolution{Source: SourceNone}, err
		}
		d.log.Debug("profile owner unavailable, using default chain",
			logging.ProfileID(profile.ID), logging.Lane(profile.CredentialID))
	}
	return d.EffectiveDefault(ctx)
}

// EffectiveDefault walks default → oldest active → bootstrap.
func (d *Directory) EffectiveDefault(ctx context.Context) (Resolution, error) {
	res, err := d.defaults.GetOrLoad(ctx, "effective", d.loadDefault)
	if err == nil && !res.Found() {
		// Credentials may be added by another process; do not pin the miss.
		d.defaults.Invalidate("effective")
	}
	return res, err
}

func (d *Directory) loadDefault(ctx context.Context) (Resolution, error) {
	c, err := d.store.DefaultCredential(ctx)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	if c != nil {
		return Resolution{Credential: c, Source: SourceDefault}, nil
	}

	c, err = d.store.OldestActiveCredential(ctx)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	if c != nil {
		return Resolution{Credential: c, Source: SourceOldest}, nil
	}

	c, err = d.materializeBootstrap(ctx)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	if c != nil {
		return Resolution{Credential: c, Source: SourceBootstrap}, nil
	}
	return Resolution{Source: SourceNone}, nil
}

// materializeBootstrap persists the configured token as the default
// credential. It does nothing once any credential row exists, active or not.
func (d *Directory) materializeBootstrap(ctx context.Context) (*models.Credential, error) {
	if d.opts.BootstrapToken == "" {
		return nil, nil
	}
	d.bootstrapMu.Lock()
	defer d.bootstrapMu.Unlock()

	n, err := d.store.CountCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		// Another caller or process got here first.
		return d.store.DefaultCredential(ctx)
	}

	c := &models.Credential{
		Name:          bootstrapName,
		Token:         d.opts.BootstrapToken,
		IsActive:      true,
		IsDefault:     true,
		MaxConcurrent: 1,
	}
	if err := d.store.InsertCredential(ctx, c); err != nil {
		if existing, lookupErr := d.store.DefaultCredential(ctx); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("persist bootstrap credential: %w", err)
	}
	d.credentials.InvalidateAll()
	d.log.Info("bootstrap credential persisted", logging.Lane(c.ID), logging.Key(c.Token))
	return c, nil
}

// ResolveForUser picks the user's profile and lane. Profile order: the user's
// assignment, the configured default profile, then the first active profile of
// the effective default credential. The profile may be nil when none exist.
func (d *Directory) ResolveForUser(ctx context.Context, userID string) (*UserLane, error) {
	profile, err := d.profileForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := d.ResolveCredential(ctx, profile)
	if err != nil {
		return nil, err
	}
	if !res.Found() {
		return nil, errs.Configf("no active browser credential and no bootstrap token configured")
	}
	if profile == nil {
		profile, err = d.store.FirstActiveProfile(ctx, res.Credential.ID, res.Source != SourceAssignment)
		if err != nil {
			return nil, err
		}
	}
	return &UserLane{LaneID: res.Credential.ID, Profile: profile, Resolution: res}, nil
}

func (d *Directory) profileForUser(ctx context.Context, userID string) (*models.Profile, error) {
	a, err := d.Assignment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		p, err := d.GetProfile(ctx, a.ProfileID)
		if err == nil && p.IsActive {
			return p, nil
		}
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		d.log.Warn("assigned profile unavailable", logging.UserID(userID), logging.ProfileID(a.ProfileID))
	}
	if d.opts.DefaultProfileID != "" {
		return &models.Profile{
			ProviderProfileID: d.opts.DefaultProfileID,
			Name:              "default",
			IsActive:          true,
		}, nil
	}
	return nil, nil
}

// ActiveLanes lists the lanes processors should run on. With no credential
// rows at all the bootstrap token is persisted and returned as the only lane.
func (d *Directory) ActiveLanes(ctx context.Context) ([]models.Credential, error) {
	lanes, err := d.store.ListCredentials(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(lanes) > 0 {
		return lanes, nil
	}
	c, err := d.materializeBootstrap(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.IsActive {
		return nil, nil
	}
	d.defaults.InvalidateAll()
	return []models.Credential{*c}, nil
}

// Health returns a ConfigurationError when nothing can be scheduled.
func (d *Directory) Health(ctx context.Context) error {
	res, err := d.EffectiveDefault(ctx)
	if err != nil {
		return err
	}
	if !res.Found() {
		return errs.Configf("no active browser credential and no bootstrap token configured")
	}
	d.log.Debug("directory healthy", logging.Lane(res.Credential.ID), zap.String("source", string(res.Source)))
	return nil
}
