package peer

import "errors"

// ErrEmptyID is returned by Validate when a PeerId has no identity bytes.
var ErrEmptyID = errors.New("peer: empty peer id")
