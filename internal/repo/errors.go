package repo

import "errors"

var (
	// ErrNotFound indicates the referenced row does not exist (or is not owned
	// by the given company).
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits indicates a debit would make the balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNoPending indicates there is no claimable Queued message for a source.
	ErrNoPending = errors.New("no pending message")
	// ErrStatusConflict indicates a status transition was rejected because the
	// message is no longer Queued or the claim is held by someone else.
	ErrStatusConflict = errors.New("message status conflict")
	// ErrDuplicate indicates a unique constraint was violated.
	ErrDuplicate = errors.New("duplicate record")
)
