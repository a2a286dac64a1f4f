// Package ledger owns tenant credit balances. Direct balance changes go
// through Reserve, TopUp and ApplyPurchase, and never go below zero.
//
// Enqueue and refund-on-failure do not pass through the Ledger: the store
// debits inside the enqueue transaction (repo.Queue.EnqueueMessages) and
// refunds inside the Failed transition (repo.Queue.MarkFailed), using the same
// conditional debit as Reserve so the row inserts and the balance change
// commit together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"
)

// ErrInvalidAmount is returned for non-positive credit amounts.
var ErrInvalidAmount = errors.New("amount must be a positive integer")

// Ledger applies credit mutations against the store.
type Ledger struct {
	store   repo.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a Ledger. metrics may be nil.
func New(store repo.Ledger, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "ledger"),
	}
}

// Balance returns the current credit balance of a company.
func (l *Ledger) Balance(ctx context.Context, companyID string) (int64, error) {
	return l.store.GetCredits(ctx, companyID)
}

// Reserve debits amount credits or fails with repo.ErrInsufficientCredits
// leaving the balance unchanged.
func (l *Ledger) Reserve(ctx context.Context, companyID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.store.DebitCredits(ctx, companyID, amount)
	if err != nil {
		return 0, fmt.Errorf("reserve credits: %w", err)
	}
	if l.metrics != nil {
		l.metrics.CreditsReserved.Add(float64(amount))
	}
	return balance, nil
}

// TopUp adds amount credits to a company.
func (l *Ledger) TopUp(ctx context.Context, companyID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.store.CreditCredits(ctx, companyID, amount)
	if err != nil {
		return 0, fmt.Errorf("top up credits: %w", err)
	}
	if l.metrics != nil {
		l.metrics.CreditsToppedUp.Add(float64(amount))
	}
	l.logger.Info("credits topped up", "company_id", companyID, "amount", amount, "balance", balance)
	return balance, nil
}

// ApplyPurchase credits a confirmed purchase once per reference. Replays
// return applied=false with the current balance.
func (l *Ledger) ApplyPurchase(ctx context.Context, purchase repo.CreditPurchase) (bool, int64, error) {
	if purchase.Credits <= 0 {
		return false, 0, ErrInvalidAmount
	}
	if purchase.Reference == "" {
		return false, 0, fmt.Errorf("apply purchase: empty reference")
	}
	applied, balance, err := l.store.ApplyPurchase(ctx, purchase)
	if err != nil {
		return false, 0, err
	}
	if !applied {
		l.logger.Info("duplicate purchase ignored", "reference", purchase.Reference, "company_id", purchase.CompanyID)
		return false, balance, nil
	}
	if l.metrics != nil {
		l.metrics.CreditsToppedUp.Add(float64(purchase.Credits))
	}
	l.logger.Info("purchase applied", "reference", purchase.Reference, "company_id", purchase.CompanyID, "credits", purchase.Credits, "balance", balance)
	return true, balance, nil
}
