// Package provider starts and stops remote browser profiles for a lane.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/config"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
)

// ErrNoProfile is returned by backends that need a profile id and got none.
var ErrNoProfile = errors.New("no browser profile resolved")

// Provider is a browser backend. token is the lane's credential.
type Provider interface {
	// StartProfile opens the profile and returns its remote debugging endpoint.
	StartProfile(ctx context.Context, token, profileID string) (string, error)
	StopProfile(ctx context.Context, token, profileID string) error
	Name() string
}

// Closer is implemented by backends that hold resources.
type Closer interface {
	Close() error
}

// Preparer is implemented by backends with one-off setup before serving.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// New selects the backend for cfg.Mode and wraps it with the call timeout.
func New(cfg config.ProviderConfig, log *zap.Logger) (Provider, error) {
	log = logging.OrNop(log).With(logging.Component("provider"), logging.Mode(string(cfg.Mode)))

	var (
		backend Provider
		err     error
	)
	switch cfg.Mode {
	case config.ModeDocker:
		backend, err = NewDocker(DockerOptions{Image: cfg.DockerImage, ProfileDir: cfg.ProfileDataDir}, log)
	case config.ModeHTTP:
		backend, err = NewHTTP(cfg.BaseURL, nil)
	case config.ModeNone, "":
		backend = None{}
	default:
		return nil, fmt.Errorf("unsupported browser provider %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(backend, cfg.CallTimeout.Duration, log), nil
}

// timed bounds every call with a deadline so a hung provider cannot wedge a lane.
type timed struct {
	next    Provider
	timeout time.Duration
	log     *zap.Logger
}

// WithTimeout wraps p. A non-positive timeout returns p unchanged.
func WithTimeout(p Provider, timeout time.Duration, log *zap.Logger) Provider {
	if timeout <= 0 {
		return p
	}
	return &timed{next: p, timeout: timeout, log: logging.OrNop(log)}
}

func (t *timed) Name() string { return t.next.Name() }

func (t *timed) StartProfile(ctx context.Context, token, profileID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	started := time.Now()
	endpoint, err := t.next.StartProfile(ctx, token, profileID)
	if err != nil {
		return "", fmt.Errorf("%s start profile %s: %w", t.next.Name(), profileID, err)
	}
	t.log.Debug("profile started", logging.ProfileID(profileID), logging.Key(token), zap.Duration("took", time.Since(started)))
	return endpoint, nil
}

func (t *timed) StopProfile(ctx context.Context, token, profileID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.next.StopProfile(ctx, token, profileID); err != nil {
		return fmt.Errorf("%s stop profile %s: %w", t.next.Name(), profileID, err)
	}
	return nil
}

func (t *timed) Close() error {
	if c, ok := t.next.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *timed) Prepare(ctx context.Context) error {
	return Prepare(ctx, t.next)
}

// Prepare runs the backend's setup if it has any.
func Prepare(ctx context.Context, p Provider) error {
	if pr, ok := p.(Preparer); ok {
		return pr.Prepare(ctx)
	}
	return nil
}

// Close releases backend resources if p holds any.
func Close(p Provider) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}

// None is the backend for deployments without a remote browser. Start returns
// an empty endpoint and Stop is a no-op.
type None struct{}

func (None) Name() string { return string(config.ModeNone) }

func (None) StartProfile(context.Context, string, string) (string, error) { return "", nil }

func (None) StopProfile(context.Context, string, string) error { return nil }
