// Package peer defines PeerId: an opaque, content-addressed identifier for
// a remote participant. This package performs no hashing and no key
// handling; it is the caller's responsibility (via an iface.KeyMarshaller
// and a multihash collaborator, both external to this module) to derive the
// bytes that go into an ID.
package peer

import "encoding/base64"

// ID is an opaque, immutable identifier for a peer, derived elsewhere from
// the multihash of the peer's public key (or, for sufficiently short keys,
// the raw key bytes). Equality, ordering, and hashing are plain byte
// comparisons, which is why ID is a string rather than a struct: Go strings
// are comparable and hashable out of the box, and immutable once created.
type ID string

// Empty is the zero value, used to represent "no known peer" (e.g. an
// anonymous collaborator, or a session that has not yet completed its
// security handshake).
const Empty ID = ""

// FromBytes wraps raw identity bytes (already hashed/derived by a
// collaborator) as a PeerId. It performs no validation: the core does not
// know the shape of a valid identity, only that it is opaque bytes.
func FromBytes(b []byte) ID {
	return ID(b)
}

// Bytes returns the raw identity bytes.
func (p ID) Bytes() []byte {
	return []byte(p)
}

// String renders the ID for logging. The core does not implement the
// canonical base58 PeerId string format (spec.md §6) since doing so
// requires a multihash/multibase codec, which is an external collaborator;
// this is a base64 rendering good enough for logs and test output.
func (p ID) String() string {
	if p == Empty {
		return "<unknown>"
	}
	return base64.RawURLEncoding.EncodeToString(p.Bytes())
}

// Validate reports whether the ID is non-empty.
func (p ID) Validate() error {
	if p == Empty {
		return ErrEmptyID
	}
	return nil
}
