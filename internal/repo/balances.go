package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCredits returns the current credit balance of a company.
func (r *PostgresStore) GetCredits(ctx context.Context, companyID string) (int64, error) {
	var credits int64
	err := r.pool.QueryRow(ctx, `SELECT credits FROM companies WHERE id = $1`, companyID).Scan(&credits)
	if err != nil {
		return 0, notFound(err, "get credits")
	}
	return credits, nil
}

// DebitCredits subtracts amount when the balance covers it, returning the new
// balance. The check and the decrement are one conditional UPDATE.
func (r *PostgresStore) DebitCredits(ctx context.Context, companyID string, amount int64) (int64, error) {
	var credits int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		credits, err = debitTx(ctx, tx, companyID, amount)
		return err
	})
	return credits, err
}

// CreditCredits adds amount to the balance and returns the new balance.
func (r *PostgresStore) CreditCredits(ctx context.Context, companyID string, amount int64) (int64, error) {
	const q = `
UPDATE companies
SET credits = credits + $2, updated_at = NOW()
WHERE id = $1
RETURNING credits;
`
	var credits int64
	if err := r.pool.QueryRow(ctx, q, companyID, amount).Scan(&credits); err != nil {
		return 0, notFound(err, "credit credits")
	}
	return credits, nil
}

// ApplyPurchase records a confirmed purchase and credits the company once per
// reference. A replayed reference reports applied=false and leaves the
// balance untouched.
func (r *PostgresStore) ApplyPurchase(ctx context.Context, purchase CreditPurchase) (bool, int64, error) {
	var (
		applied bool
		credits int64
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
INSERT INTO credit_purchases (reference, company_id, credits)
VALUES ($1, $2, $3)
ON CONFLICT (reference) DO NOTHING;
`, purchase.Reference, purchase.CompanyID, purchase.Credits)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("company %s: %w", purchase.CompanyID, ErrNotFound)
			}
			return fmt.Errorf("insert credit purchase: %w", err)
		}
		if ct.RowsAffected() == 0 {
			if err := tx.QueryRow(ctx, `SELECT credits FROM companies WHERE id = $1`, purchase.CompanyID).Scan(&credits); err != nil {
				return notFound(err, "get credits")
			}
			return nil
		}
		applied = true
		return tx.QueryRow(ctx, `
UPDATE companies SET credits = credits + $2, updated_at = NOW()
WHERE id = $1
RETURNING credits;
`, purchase.CompanyID, purchase.Credits).Scan(&credits)
	})
	if err != nil {
		return false, 0, fmt.Errorf("apply purchase: %w", err)
	}
	return applied, credits, nil
}

func debitTx(ctx context.Context, tx pgx.Tx, companyID string, amount int64) (int64, error) {
	const q = `
UPDATE companies
SET credits = credits - $2, updated_at = NOW()
WHERE id = $1 AND credits >= $2
RETURNING credits;
`
	var credits int64
	err := tx.QueryRow(ctx, q, companyID, amount).Scan(&credits)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1)`, companyID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("debit credits: company %s: %w", companyID, ErrNotFound)
	}
	return 0, fmt.Errorf("debit credits: %w", ErrInsufficientCredits)
}
