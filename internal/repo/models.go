package repo

import "time"

// MessageStatus is the lifecycle status of a queued message. Transitions are
// monotonic: Queued moves to Sent or Failed and never back.
type MessageStatus string

const (
	StatusQueued MessageStatus = "Queued"
	StatusSent   MessageStatus = "Sent"
	StatusFailed MessageStatus = "Failed"
)

// MediumWhatsApp is the contact medium served by the WhatsApp transport.
const MediumWhatsApp = "WhatsApp"

// User represents the users table row.
type User struct {
	ID          string
	Subject     string
	DisplayName string
	Email       string
	Phone       string
	CreatedAt   time.Time
}

// Company represents a tenant with its credit balance.
type Company struct {
	ID           string
	Name         string
	Description  string
	PrimaryEmail string
	PrimaryPhone string
	Credits      int64
	AdminSubject string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CompanyProfile carries the mutable profile fields of a company.
type CompanyProfile struct {
	Name         string
	Description  string
	PrimaryEmail string
	PrimaryPhone string
}

// Membership grants a subject access to a company's resources.
type Membership struct {
	CompanyID string
	Subject   string
	CreatedAt time.Time
}

// Recipient is a contact owned by exactly one company.
type Recipient struct {
	ID                 string
	CompanyID          string
	Name               string
	ContactMedium      string
	ContactInformation string
	CreatedAt          time.Time
}

// Template is a company-scoped message body with an optional attachment.
type Template struct {
	ID                 string
	CompanyID          string
	Name               string
	Body               string
	AttachmentFilename string
	CreatedAt          time.Time
}

// Source is a configured outbound identity, e.g. one WhatsApp number.
type Source struct {
	ID              string
	CompanyID       string
	Transport       string
	ConnectionValue string
	CreatedAt       time.Time
}

// QueuedMessage represents a row in queued_messages.
type QueuedMessage struct {
	ID                 string
	Seq                int64
	CompanyID          string
	RecipientID        string
	TemplateID         string
	SourceID           string
	AttachmentFilename string
	Status             MessageStatus
	FailureReason      string
	ClaimToken         string
	Attempts           int
	CreatedAt          time.Time
	SentAt             *time.Time
}

// EnqueueBatch describes one send request: one row per recipient, one credit
// per row, all or nothing.
type EnqueueBatch struct {
	CompanyID          string
	SourceID           string
	TemplateID         string
	RecipientIDs       []string
	AttachmentFilename string
}

// CreditPurchase is an externally confirmed credit top-up, identified by the
// payment provider's reference.
type CreditPurchase struct {
	Reference string
	CompanyID string
	Credits   int64
}
