package msmux

import "errors"

var (
	// ErrNegotiationFailed indicates the two sides could not agree on a
	// protocol, or the wire-level message framing was violated.
	ErrNegotiationFailed = errors.New("msmux: negotiation failed")
	// ErrProtocolMismatch indicates the peer's opening handshake line was
	// not the expected "/multistream/1.0.0".
	ErrProtocolMismatch = errors.New("msmux: unexpected multistream header")
	// ErrSessionTooLarge indicates the configurable byte cap on a
	// negotiation session was exceeded, bounding adversarial "ls" bombs.
	ErrSessionTooLarge = errors.New("msmux: negotiation session exceeded byte cap")
	// ErrMessageTooLong indicates a single line exceeded what a uvarint
	// length prefix can address sanely for this use, or contained an
	// embedded newline.
	ErrMessageTooLong = errors.New("msmux: malformed message")
)
