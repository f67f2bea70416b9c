package msmux

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Header is the constant opening handshake line both sides exchange before
// any protocol proposals (spec.md §4.4, §6).
const Header = "/multistream/1.0.0"

// Control lines (spec.md §4.1, §4.4).
const (
	lsLine = "ls"
	naLine = "na"
)

// defaultSessionCap bounds the total bytes a negotiation session may
// exchange, per spec.md §4.4 ("default 64 KiB") — a guard against an
// adversarial peer flooding "ls" responses or oversized protocol strings.
const defaultSessionCap = 64 * 1024

// writeMessage frames line as spec.md §6's `uvarint(n) || p || '\n'`, where
// n = len(p)+1 to account for the trailing newline, and writes it in one
// call so a concurrent writer elsewhere on the same connection (there
// shouldn't be one, by contract) can't interleave partial frames.
func writeMessage(w io.Writer, line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: embedded newline", ErrMessageTooLong)
	}
	payload := append([]byte(line), '\n')
	var lenBuf [maxVarintLen]byte
	hdr := putUvarint(lenBuf[:0], uint64(len(payload)))
	buf := make([]byte, 0, len(hdr)+len(payload))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readMessage reads one length-prefixed newline-terminated line, enforcing
// budget (the running total byte-cap for this session).
func readMessage(r *bufio.Reader, budget *int) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if n == 0 || n > defaultSessionCap {
		return "", fmt.Errorf("%w: absurd message length %d", ErrMessageTooLong, n)
	}
	*budget -= int(n)
	if *budget < 0 {
		return "", ErrSessionTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if payload[n-1] != '\n' {
		return "", fmt.Errorf("%w: missing trailing newline", ErrMessageTooLong)
	}
	return string(payload[:n-1]), nil
}

// writeProtocolsMsg encodes the "ls" response: a wrapping length prefix
// around a count varint followed by that many line-prefixed protocol
// strings (spec.md §4.1).
func writeProtocolsMsg(w io.Writer, protocols []string) error {
	var body []byte
	body = putUvarint(body, uint64(len(protocols)))
	for _, p := range protocols {
		line := append([]byte(p), '\n')
		body = putUvarint(body, uint64(len(line)))
		body = append(body, line...)
	}
	var lenBuf [maxVarintLen]byte
	hdr := putUvarint(lenBuf[:0], uint64(len(body)))
	buf := make([]byte, 0, len(hdr)+len(body))
	buf = append(buf, hdr...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// readProtocolsMsg decodes a "ls" response body (the wrapping length has
// already been stripped into payload by the caller).
func readProtocolsMsg(payload []byte) ([]string, error) {
	br := newByteSliceReader(payload)
	count, err := readUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: protocols count: %v", ErrNegotiationFailed, err)
	}
	protocols := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := readUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("%w: protocol %d length: %v", ErrNegotiationFailed, i, err)
		}
		line := make([]byte, n)
		if _, err := io.ReadFull(br, line); err != nil {
			return nil, fmt.Errorf("%w: protocol %d body: %v", ErrNegotiationFailed, i, err)
		}
		if n == 0 || line[n-1] != '\n' {
			return nil, fmt.Errorf("%w: protocol %d missing newline", ErrMessageTooLong, i)
		}
		protocols = append(protocols, string(line[:n-1]))
	}
	return protocols, nil
}

// readProtocolsReply reads the wrapping length-prefixed body written by
// writeProtocolsMsg (the "ls" reply has no trailing newline of its own,
// unlike readMessage's line framing, so it gets its own reader) and decodes
// it, enforcing budget the same way readMessage does.
func readProtocolsReply(r *bufio.Reader, budget *int) ([]string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if n > defaultSessionCap {
		return nil, fmt.Errorf("%w: absurd protocols body length %d", ErrMessageTooLong, n)
	}
	*budget -= int(n)
	if *budget < 0 {
		return nil, ErrSessionTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	return readProtocolsMsg(payload)
}

// byteSliceReader adapts a []byte to io.Reader+io.ByteReader without
// pulling in bytes.Reader's wider surface.
type byteSliceReader struct {
	b   []byte
	pos int
}

func newByteSliceReader(b []byte) *byteSliceReader { return &byteSliceReader{b: b} }

func (r *byteSliceReader) ReadByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
