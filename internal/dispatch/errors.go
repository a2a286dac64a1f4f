package dispatch

import "errors"

var (
	// ErrInvalidInput marks a malformed request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyActive is returned when a session for the source is already
	// pairing, ready or draining.
	ErrAlreadyActive = errors.New("session already active")
	// ErrPairingFailed means the pairing attempt ended without
	// authentication: the attempt bound was exceeded, the transport reported
	// an error or the pairing timed out.
	ErrPairingFailed = errors.New("pairing failed")
	// ErrTransportTransient is a per-message send failure. The session stays
	// usable.
	ErrTransportTransient = errors.New("transport transient failure")
	// ErrTransportAuthLost means the transport lost its authentication and
	// the session must be torn down.
	ErrTransportAuthLost = errors.New("transport authentication lost")
)
