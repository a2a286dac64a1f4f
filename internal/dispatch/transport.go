package dispatch

import (
	"context"
	"strings"

	"wa-dispatch/internal/media"
	"wa-dispatch/internal/repo"
)

// LoginKind classifies events emitted while a transport session logs in.
type LoginKind int

const (
	// LoginCode carries a pairing code the user must scan.
	LoginCode LoginKind = iota
	// LoginSuccess means the transport is authenticated and ready to send.
	LoginSuccess
	// LoginError ends the login attempt.
	LoginError
)

// LoginEvent is one step of the login handshake.
type LoginEvent struct {
	Kind LoginKind
	Code string
	Err  error
}

// Outbound is one message handed to the transport.
type Outbound struct {
	Address    string
	Body       string
	Attachment *media.Attachment
}

// Connector opens transport sessions, one per source.
type Connector interface {
	Open(ctx context.Context, source repo.Source) (Conn, error)
}

// Conn is a live transport session bound to one source identity.
type Conn interface {
	// Login starts the handshake. The channel yields pairing codes until a
	// LoginSuccess or LoginError event, then is closed. A session that is
	// already paired yields LoginSuccess straight away.
	Login(ctx context.Context) (<-chan LoginEvent, error)
	// Send delivers one message. Errors wrap ErrTransportAuthLost or
	// ErrTransportTransient.
	Send(ctx context.Context, msg Outbound) error
	// Logout revokes the stored credentials.
	Logout(ctx context.Context) error
	// Close drops the connection and releases local resources.
	Close()
}

// Address builds the destination address of a recipient: the country code
// followed by the digits of the contact. Contacts already written in
// international form (leading '+' or '00') keep their own prefix.
func Address(countryCode, contact string) string {
	contact = strings.TrimSpace(contact)
	international := strings.HasPrefix(contact, "+") || strings.HasPrefix(contact, "00")

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, contact)
	if international {
		digits = strings.TrimPrefix(digits, "00")
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return ""
	}
	if international {
		return digits
	}
	return countryCode + digits
}
