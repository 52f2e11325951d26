// Package queue accepts, gates and cancels scrape requests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type Options struct {
	RequireApproval bool
	// MaxPages caps the page count of one request. 0 means no cap.
	MaxPages int
}

type Service struct {
	st       *store.Store
	dir      *directory.Directory
	sessions *session.Manager
	opts     Options
	log      *zap.Logger

	mu       sync.RWMutex
	onNotify []func(laneID string)
}

func New(st *store.Store, dir *directory.Directory, sessions *session.Manager, opts Options, log *zap.Logger) *Service {
	return &Service{
		st:       st,
		dir:      dir,
		sessions: sessions,
		opts:     opts,
		log:      logging.OrNop(log).With(logging.Component("queue")),
	}
}

// OnEnqueue registers fn to be told when a lane gets new eligible work.
func (s *Service) OnEnqueue(fn func(laneID string)) {
	s.mu.Lock()
	s.onNotify = append(s.onNotify, fn)
	s.mu.Unlock()
}

func (s *Service) notify(laneID string) {
	s.mu.RLock()
	fns := s.onNotify
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(laneID)
	}
}

func (s *Service) validate(userID, rawURL string, pages int) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required: %w", errs.ErrInvalidArgument)
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) url: %w", errs.ErrInvalidArgument)
	}
	if pages < 1 {
		return fmt.Errorf("pages must be at least 1: %w", errs.ErrInvalidArgument)
	}
	if s.opts.MaxPages > 0 && pages > s.opts.MaxPages {
		return fmt.Errorf("pages must be at most %d: %w", s.opts.MaxPages, errs.ErrInvalidArgument)
	}
	return nil
}

// entryFor places a request on the lane of the user's profile.
func (s *Service) entryFor(ctx context.Context, userID string) (*models.QueueEntry, error) {
	lane, err := s.dir.ResolveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	entry := &models.QueueEntry{LaneID: lane.LaneID}
	if lane.Profile != nil {
		entry.ProfileID = lane.Profile.ProviderProfileID
	}
	return entry, nil
}

// Submit stores a new request. With approval required it waits in
// pending_approval and is not queued until approved.
func (s *Service) Submit(ctx context.Context, userID, rawURL string, pages int) (*models.ScrapeRequest, error) {
	if err := s.validate(userID, rawURL, pages); err != nil {
		return nil, err
	}
	req := &models.ScrapeRequest{
		UserID:           userID,
		URL:              strings.TrimSpace(rawURL),
		Pages:            pages,
		RequiresApproval: s.opts.RequireApproval,
	}

	if s.opts.RequireApproval {
		req.Status = models.RequestPendingApproval
		req.Message = "Waiting for admin approval"
		if err := s.st.InsertRequest(ctx, req, nil); err != nil {
			return nil, err
		}
		s.log.Info("scrape awaiting approval", logging.ScrapeID(req.ID), logging.UserID(userID))
		return req, nil
	}

	entry, err := s.entryFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	req.Status = models.RequestQueued
	if err := s.st.InsertRequest(ctx, req, entry); err != nil {
		return nil, err
	}
	s.log.Info("scrape queued", logging.ScrapeID(req.ID), logging.UserID(userID), logging.Lane(entry.LaneID),
		zap.Int("pages", pages))
	s.notify(entry.LaneID)
	return req, nil
}

// Approve queues a pending_approval request on its owner's current lane.
func (s *Service) Approve(ctx context.Context, admin, id string) (*models.ScrapeRequest, error) {
	req, err := s.st.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPendingApproval {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, errs.ErrInvalidTransition)
	}
	entry, err := s.entryFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.st.ApproveRequest(ctx, id, admin, entry); err != nil {
		return nil, err
	}
	s.log.Info("scrape approved", logging.ScrapeID(id), zap.String("admin", admin), logging.Lane(entry.LaneID))
	s.notify(entry.LaneID)
	return s.st.GetRequest(ctx, id)
}

func (s *Service) Reject(ctx context.Context, admin, id, reason string) (*models.ScrapeRequest, error) {
	if err := s.st.RejectRequest(ctx, id, admin, reason); err != nil {
		return nil, err
	}
	s.log.Info("scrape rejected", logging.ScrapeID(id), zap.String("admin", admin))
	return s.st.GetRequest(ctx, id)
}

// Cancel cancels a request for its owner, or for an operator when userID is
// empty. A running scrape loses its lane session right away and its worker
// stops after the current page.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*models.ScrapeRequest, error) {
	req, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	msg := "Cancelled by user"
	if userID == "" {
		msg = "Cancelled by admin"
	}
	prev, err := s.st.CancelRequest(ctx, req.ID, msg)
	if err != nil {
		return nil, err
	}
	log := s.log.With(logging.ScrapeID(id), zap.String("previous", string(prev)))
	if prev == models.RequestRunning {
		n, err := s.sessions.ReleaseScrape(context.WithoutCancel(ctx), id)
		if err != nil {
			log.Warn("failed to release lane of cancelled scrape", zap.Error(err))
		}
		log.Info("running scrape cancelled", zap.Int("sessions_closed", n))
	} else {
		log.Info("scrape cancelled")
	}
	return s.st.GetRequest(ctx, id)
}

// owned hides other users' requests behind errs.ErrNotFound.
func (s *Service) owned(ctx context.Context, id, userID string) (*models.ScrapeRequest, error) {
	req, err := s.st.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && req.UserID != userID {
		return nil, errs.ErrNotFound
	}
	return req, nil
}

// Status returns live progress and the computed queue position.
func (s *Service) Status(ctx context.Context, id, userID string) (*models.QueueStatus, error) {
	req, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	st := &models.QueueStatus{
		ScrapeID: req.ID,
		Status:   req.Status,
		Message:  req.Message,
	}
	entry, err := s.st.GetEntry(ctx, id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return st, nil
	case err != nil:
		return nil, err
	}
	st.LaneID = entry.LaneID
	st.PagesScraped = entry.PagesScraped
	st.LeadsFound = entry.LeadsFound
	st.StartedAt = entry.StartedAt
	st.CompletedAt = entry.CompletedAt
	if st.Message == "" {
		st.Message = entry.ErrorMessage
	}
	if st.Position, err = s.st.QueuePosition(ctx, id); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]models.ScrapeRequest, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", errs.ErrInvalidArgument)
	}
	return s.st.ListRequests(ctx, store.RequestFilter{UserID: userID, Limit: limit})
}

// List is the operator view over all requests.
func (s *Service) List(ctx context.Context, f store.RequestFilter) ([]models.ScrapeRequest, error) {
	return s.st.ListRequests(ctx, f)
}
