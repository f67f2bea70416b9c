package yamux

// The Yamux wire format (spec.md §3, §6). Unlike the teacher package
// (go.sia.tech/mux), which chunks frames into encrypted, padded packets to
// resist traffic analysis, this is the plain, unencrypted Yamux framing: one
// 12-byte big-endian header per frame, optionally followed by exactly
// `Length` payload bytes when Type == frameData. There is no packet
// boundary, no padding, and no covert channel; those were specific to
// SiaMux's threat model, which is out of scope here (spec.md §1 Non-goals:
// no cryptography).
//
// header layout, big-endian throughout:
//
//	byte  0       version (0)
//	byte  1       type: 0=DATA, 1=WINDOW_UPDATE, 2=PING, 3=GO_AWAY
//	bytes 2..3    flags: SYN=1, ACK=2, FIN=4, RST=8 (bitset)
//	bytes 4..7    stream_id (0 for PING/GO_AWAY)
//	bytes 8..11   length: payload bytes for DATA; window delta for
//	              WINDOW_UPDATE; ping value for PING; error code for GO_AWAY

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameType identifies the kind of a Yamux frame.
type frameType uint8

const (
	frameData frameType = iota
	frameWindowUpdate
	framePing
	frameGoAway
)

func (t frameType) String() string {
	switch t {
	case frameData:
		return "DATA"
	case frameWindowUpdate:
		return "WINDOW_UPDATE"
	case framePing:
		return "PING"
	case frameGoAway:
		return "GO_AWAY"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// flags is a bitset over SYN/ACK/FIN/RST.
type flags uint16

const (
	flagSYN flags = 1 << iota
	flagACK
	flagFIN
	flagRST
)

func (f flags) has(bit flags) bool { return f&bit != 0 }

// GO_AWAY error codes (spec.md §6).
const (
	goAwayNormal uint32 = iota
	goAwayProtocolError
	goAwayInternalError
)

const (
	protoVersion = 0
	headerSize   = 12
)

// header is the decoded 12-byte Yamux frame header.
type header struct {
	version  uint8
	typ      frameType
	flags    flags
	streamID uint32
	length   uint32
}

func encodeHeader(buf []byte, h header) {
	_ = buf[headerSize-1] // bounds check hint
	buf[0] = h.version
	buf[1] = byte(h.typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.flags))
	binary.BigEndian.PutUint32(buf[4:8], h.streamID)
	binary.BigEndian.PutUint32(buf[8:12], h.length)
}

func decodeHeader(buf []byte) (header, error) {
	_ = buf[headerSize-1]
	h := header{
		version:  buf[0],
		typ:      frameType(buf[1]),
		flags:    flags(binary.BigEndian.Uint16(buf[2:4])),
		streamID: binary.BigEndian.Uint32(buf[4:8]),
		length:   binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.version != protoVersion {
		return header{}, fmt.Errorf("%w: unsupported version %d", ErrFrameParse, h.version)
	}
	if h.typ > frameGoAway {
		return header{}, fmt.Errorf("%w: unknown frame type %d", ErrFrameParse, h.typ)
	}
	if h.typ != frameData && h.streamID == 0 && h.typ != frameWindowUpdate && h.length > 0 {
		// PING/GO_AWAY "length" is a value, never a byte count, and no
		// payload ever follows them, so any value is accepted: this branch
		// performs no check and every such frame passes validation.
	}
	return h, nil
}

// writeFrame serializes a header and optional DATA payload into a single
// Write, matching the teacher's appendFrame-then-one-Write discipline
// (avoids interleaving header/payload bytes from concurrent writers at the
// syscall level).
func writeFrame(w io.Writer, h header, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, h)
	if h.typ == frameData {
		copy(buf[headerSize:], payload)
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame from r. For frameData it also reads the
// trailing payload; for all other frame types there is never a trailing
// payload, regardless of the value of the length field.
func readFrame(r io.Reader, hdrBuf []byte) (header, []byte, error) {
	if _, err := io.ReadFull(r, hdrBuf[:headerSize]); err != nil {
		return header{}, nil, fmt.Errorf("read frame header: %w", err)
	}
	h, err := decodeHeader(hdrBuf[:headerSize])
	if err != nil {
		return header{}, nil, err
	}
	if h.typ != frameData || h.length == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return header{}, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return h, payload, nil
}
