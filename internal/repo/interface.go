package repo

import (
	"context"
	"io/fs"
	"time"
)

// Ledger persists company credit balances. Every mutation is a single
// row-locked statement so concurrent callers never observe a negative balance.
type Ledger interface {
	GetCredits(ctx context.Context, companyID string) (int64, error)
	DebitCredits(ctx context.Context, companyID string, amount int64) (int64, error)
	CreditCredits(ctx context.Context, companyID string, amount int64) (int64, error)
	ApplyPurchase(ctx context.Context, purchase CreditPurchase) (applied bool, balance int64, err error)
}

// Queue is the durable send queue.
type Queue interface {
	EnqueueMessages(ctx context.Context, batch EnqueueBatch) ([]QueuedMessage, error)
	ClaimNext(ctx context.Context, sourceID, token string, lease time.Duration) (*QueuedMessage, error)
	ReleaseClaim(ctx context.Context, messageID, token string) error
	MarkSent(ctx context.Context, messageID, token string) error
	MarkFailed(ctx context.Context, messageID, token, reason string, refund bool) error
	GetMessage(ctx context.Context, messageID string) (*QueuedMessage, error)
	ListMessagesBySource(ctx context.Context, sourceID string, limit int) ([]QueuedMessage, error)
	CountQueued(ctx context.Context, sourceID string) (int, error)
}

// Directory covers tenant-owned rows and the membership relation.
type Directory interface {
	EnsureUser(ctx context.Context, user User) (*User, error)
	GetUserBySubject(ctx context.Context, subject string) (*User, error)

	CreateCompany(ctx context.Context, company Company) (*Company, error)
	GetCompany(ctx context.Context, id string) (*Company, error)
	UpdateCompany(ctx context.Context, id string, profile CompanyProfile) (*Company, error)

	AddMember(ctx context.Context, companyID, subject string) error
	RemoveMember(ctx context.Context, companyID, subject string) error
	IsMember(ctx context.Context, companyID, subject string) (bool, error)
	IsAdmin(ctx context.Context, companyID, subject string) (bool, error)

	CreateRecipient(ctx context.Context, recipient Recipient) (*Recipient, error)
	GetRecipient(ctx context.Context, id string) (*Recipient, error)
	ListRecipients(ctx context.Context, companyID string) ([]Recipient, error)
	DeleteRecipient(ctx context.Context, companyID, id string) error

	CreateTemplate(ctx context.Context, tmpl Template) (*Template, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context, companyID string) ([]Template, error)

	CreateSource(ctx context.Context, source Source) (*Source, error)
	GetSource(ctx context.Context, id string) (*Source, error)
	ListSources(ctx context.Context, companyID string) ([]Source, error)
}

// Store is the full relational store used by the service.
type Store interface {
	Ledger
	Queue
	Directory

	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}
