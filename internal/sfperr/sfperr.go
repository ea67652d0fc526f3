// Package sfperr holds the protocol's session-level error kinds, shared
// across internal/session, internal/sender, and internal/receiver so each
// side can apply the same propagation policy: transient per-datagram errors
// are counted and swallowed, per-path errors park the path, and only these
// session-level kinds terminate the session with a final best-effort Close.
package sfperr

import (
	"errors"

	"github.com/slstransfer/sls/internal/wire"
)

var (
	ErrUnknownSession        = errors.New("sfp: unknown session")
	ErrHandshakeFailed       = errors.New("sfp: handshake failed")
	ErrNegotiationMismatch   = errors.New("sfp: negotiation mismatch")
	ErrSocketSendFailed      = errors.New("sfp: socket send failed")
	ErrSocketRecvFailed      = errors.New("sfp: socket recv failed")
	ErrSessionTimeout        = errors.New("sfp: session timeout")
	ErrSegmentStaleAbandoned = errors.New("sfp: segment stale, abandoned")
	ErrPayloadSourceFailed   = errors.New("sfp: payload source failed")
	ErrPayloadSinkFailed     = errors.New("sfp: payload sink failed")
	ErrManifestVerification  = errors.New("sfp: manifest verification failed")
)

// FromCloseReason maps a peer's Close reason code onto the session error it
// represents, so both cores surface the same failure their peer reported.
// A normal close maps to nil.
func FromCloseReason(reason uint8) error {
	switch reason {
	case wire.ReasonNormal:
		return nil
	case wire.ReasonHandshakeFailed:
		return ErrHandshakeFailed
	case wire.ReasonNegotiationMismatch:
		return ErrNegotiationMismatch
	case wire.ReasonSessionTimeout:
		return ErrSessionTimeout
	case wire.ReasonCryptoFailureExceeded:
		return ErrHandshakeFailed
	case wire.ReasonPayloadSourceFailed:
		return ErrPayloadSourceFailed
	case wire.ReasonPayloadSinkFailed:
		return ErrPayloadSinkFailed
	case wire.ReasonManifestVerification:
		return ErrManifestVerification
	default:
		return ErrUnknownSession
	}
}
