// Package settlement decides when completed scrapes are billed.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Rules are the business switches applied around a request's lifecycle.
type Rules struct {
	// RequireApproval puts new requests in pending_approval.
	RequireApproval bool
	// HoldForReview keeps results of approval-gated requests unsettled until
	// an admin finalizes them.
	HoldForReview bool
	// BillVerifiedOnly charges for verified leads instead of all leads.
	BillVerifiedOnly bool
	CreditsPerLead   int64
}

// Ledger is the external credit ledger. Deduct must be idempotent per reference.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, userID string, amount int64, reference string) error
}

type Gate struct {
	st     *store.Store
	ledger Ledger
	rules  Rules
	log    *zap.Logger
}

func New(st *store.Store, ledger Ledger, rules Rules, log *zap.Logger) *Gate {
	if ledger == nil {
		ledger = Unlimited{}
	}
	return &Gate{
		st:     st,
		ledger: ledger,
		rules:  rules,
		log:    logging.OrNop(log).With(logging.Component("settlement")),
	}
}

func (g *Gate) Rules() Rules { return g.rules }

// Billable returns the number of leads a result is charged for.
func (g *Gate) Billable(result models.ScrapeResult) int {
	if g.rules.BillVerifiedOnly {
		return result.VerifiedCount()
	}
	return len(result.Leads)
}

// OnCompleted settles a completed request, or holds it for review.
// An *errs.InsufficientCreditsError leaves the request blocked with its data intact.
func (g *Gate) OnCompleted(ctx context.Context, req *models.ScrapeRequest, result models.ScrapeResult) (models.SettlementStatus, error) {
	billable := g.Billable(result)
	log := g.log.With(logging.ScrapeID(req.ID), logging.UserID(req.UserID), zap.Int("billable", billable))

	if g.rules.HoldForReview && req.RequiresApproval {
		ok, err := g.st.SetSettlement(ctx, req.ID, []models.SettlementStatus{models.SettlementNone}, models.SettlementHeld, billable, "", "")
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("request %s already settled: %w", req.ID, errs.ErrInvalidTransition)
		}
		log.Info("result held for review")
		return models.SettlementHeld, nil
	}
	return g.settle(ctx, req, billable, "", []models.SettlementStatus{models.SettlementNone})
}

// Finalize settles a held or blocked request on an admin's behalf.
func (g *Gate) Finalize(ctx context.Context, admin, requestID string) (*models.ScrapeRequest, error) {
	req, err := g.st.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestCompleted {
		return nil, fmt.Errorf("request %s is %s, not completed: %w", req.ID, req.Status, errs.ErrInvalidTransition)
	}
	if req.Settlement != models.SettlementHeld && req.Settlement != models.SettlementBlocked {
		return nil, fmt.Errorf("request %s settlement is %s: %w", req.ID, req.Settlement, errs.ErrInvalidTransition)
	}
	if _, err := g.settle(ctx, req, req.BilledLeads, admin, []models.SettlementStatus{req.Settlement}); err != nil {
		return nil, err
	}
	return g.st.GetRequest(ctx, requestID)
}

func (g *Gate) settle(ctx context.Context, req *models.ScrapeRequest, billable int, by string, from []models.SettlementStatus) (models.SettlementStatus, error) {
	amount := int64(billable) * g.rules.CreditsPerLead
	if amount > 0 {
		balance, err := g.ledger.Balance(ctx, req.UserID)
		if err != nil {
			return "", fmt.Errorf("ledger balance: %w", err)
		}
		if balance < amount {
			return g.block(ctx, req, billable, by, from, &errs.InsufficientCreditsError{UserID: req.UserID, Needed: amount, Available: balance})
		}
		if err := g.ledger.Deduct(ctx, req.UserID, amount, req.ID); err != nil {
			var short *errs.InsufficientCreditsError
			if errors.As(err, &short) {
				return g.block(ctx, req, billable, by, from, short)
			}
			return "", fmt.Errorf("ledger deduct: %w", err)
		}
	}

	ok, err := g.st.SetSettlement(ctx, req.ID, from, models.SettlementSettled, billable, by, "")
	if err != nil {
		return "", err
	}
	if !ok {
		// The ledger dedupes by reference, so a concurrent settle is harmless.
		return "", fmt.Errorf("request %s settlement changed concurrently: %w", req.ID, errs.ErrInvalidTransition)
	}
	g.log.Info("request settled", logging.ScrapeID(req.ID), logging.UserID(req.UserID),
		zap.Int("billed_leads", billable), zap.Int64("credits", amount))
	return models.SettlementSettled, nil
}

func (g *Gate) block(ctx context.Context, req *models.ScrapeRequest, billable int, by string, from []models.SettlementStatus, cause *errs.InsufficientCreditsError) (models.SettlementStatus, error) {
	if _, err := g.st.SetSettlement(ctx, req.ID, from, models.SettlementBlocked, billable, by, cause.Error()); err != nil {
		return "", err
	}
	g.log.Warn("settlement blocked", logging.ScrapeID(req.ID), logging.UserID(req.UserID),
		zap.Int64("needed", cause.Needed), zap.Int64("available", cause.Available))
	return models.SettlementBlocked, cause
}
