// Package errs holds the error taxonomy shared by the lane scheduler components.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleSession      = errors.New("session heartbeat expired")
	ErrForbidden         = errors.New("forbidden")
)

// ConfigurationError means the service cannot schedule anything until an
// operator fixes credentials or settings. It is fatal at processor start.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ResourceBusyError is returned when a lane is already occupied.
// OwnerID lets the caller tell "you" from "another user"; it must not be
// shown to anyone but the owner.
type ResourceBusyError struct {
	LaneID  string
	Kind    string
	OwnerID string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("lane %s is busy (%s)", e.LaneID, e.Kind)
}

// Describe renders the busy reason from the viewer's point of view.
func (e *ResourceBusyError) Describe(viewer string) string {
	switch {
	case e.Kind == "scrape":
		return "a scrape is running on this browser"
	case viewer != "" && viewer == e.OwnerID:
		return "you already have an active session"
	default:
		return "another user is using this browser"
	}
}

// RateLimitExceededError is only seen by callers that bypass the blocking pool acquire.
type RateLimitExceededError struct {
	Key        string // redacted
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("rate limit exceeded for key %s, retry after %s", e.Key, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// WorkerFailure wraps an error from the external scrape or verification call.
type WorkerFailure struct {
	ScrapeID string
	Err      error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("scrape %s failed: %v", e.ScrapeID, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// InsufficientCreditsError blocks settlement. Extracted data is kept.
type InsufficientCreditsError struct {
	UserID    string
	Needed    int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Needed, e.Available)
}

func IsBusy(err error) bool {
	var e *ResourceBusyError
	return errors.As(err, &e)
}

func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}
