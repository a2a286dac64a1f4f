// Package authz answers whether a subject may act on a company.
package authz

import (
	"context"
	"errors"
	"fmt"
)

// ErrForbidden means the subject has no access to the company. It is
// distinct from repo.ErrNotFound so callers cannot discover other companies.
var ErrForbidden = errors.New("forbidden")

// Relations is the subset of the store the guard reads.
type Relations interface {
	IsMember(ctx context.Context, companyID, subject string) (bool, error)
	IsAdmin(ctx context.Context, companyID, subject string) (bool, error)
}

// Guard gates tenant-scoped operations.
type Guard struct {
	relations Relations
}

// NewGuard builds a Guard over relations.
func NewGuard(relations Relations) *Guard {
	return &Guard{relations: relations}
}

func (g *Guard) IsMember(ctx context.Context, companyID, subject string) (bool, error) {
	if companyID == "" || subject == "" {
		return false, nil
	}
	return g.relations.IsMember(ctx, companyID, subject)
}

func (g *Guard) IsAdmin(ctx context.Context, companyID, subject string) (bool, error) {
	if companyID == "" || subject == "" {
		return false, nil
	}
	return g.relations.IsAdmin(ctx, companyID, subject)
}

// RequireMember returns ErrForbidden unless subject belongs to companyID.
func (g *Guard) RequireMember(ctx context.Context, companyID, subject string) error {
	ok, err := g.IsMember(ctx, companyID, subject)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// RequireAdmin returns ErrForbidden unless subject administers companyID.
func (g *Guard) RequireAdmin(ctx context.Context, companyID, subject string) error {
	ok, err := g.IsAdmin(ctx, companyID, subject)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
