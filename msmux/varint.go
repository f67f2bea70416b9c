// Package msmux implements the multistream-select protocol negotiator
// (spec.md §4.4): the line-based sub-protocol that agrees on which
// higher-level protocol will be spoken next over a freshly opened channel,
// whether at muxed-connection level (security/muxer selection) or at
// stream level (application protocol selection).
package msmux

import (
	"fmt"
	"io"
)

// maxVarintLen is the longest a base-128 varint may be before the parser
// gives up (spec.md §4.1: "maximum 9 bytes (caps at 2^63)").
const maxVarintLen = 9

// putUvarint encodes v as little-endian base-128, appending to buf.
func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readUvarint reads one varint from r, byte at a time (messages are short,
// so this trades a little throughput for not over-reading past the varint
// into the payload).
func readUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < maxVarintLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, fmt.Errorf("%w: varint too long", ErrNegotiationFailed)
}
