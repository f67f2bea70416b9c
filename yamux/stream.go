package yamux

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StreamState is the half-close lifecycle of spec.md §4.2.
type StreamState uint8

const (
	StreamOpen StreamState = iota
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed-local"
	case StreamHalfClosedRemote:
		return "half-closed-remote"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxStreamFrame bounds how much payload a single DATA frame carries; it is
// an implementation chunk size, not part of the wire invariants.
const maxStreamFrame = 16 * 1024

// Stream is one logical bidirectional byte channel over a Session
// (spec.md §3 "Stream"). It is exclusively owned by exactly one Session.
//
// Following the teacher's pattern (go.sia.tech/mux v2/mux.go), a single
// sync.Cond guards all mutable fields and is used both to park callers
// (Read/Write) and to wake them from the session's read loop. Unlike the
// teacher, each Stream here tracks its own send/receive windows rather than
// relying on a single shared buffer cap, since real flow control is
// per-stream (spec.md §4.2).
type Stream struct {
	id      uint32
	session *Session

	cond sync.Cond // L points at mu
	mu   sync.Mutex

	state StreamState

	recvWindow uint32
	sendWindow uint32
	maxWindow  uint32

	recvBuf []byte // bytes delivered by the session, not yet read
	err     error  // sticky terminal error once set

	reading bool // reentrancy guard: at most one outstanding Read*
	writing bool // reentrancy guard: at most one outstanding Write*

	rd, wd time.Time // read/write deadlines

	sentSYN bool // has a SYN-or-data frame been sent yet
}

func newStream(id uint32, s *Session, initialWindow, maxWindow uint32) *Stream {
	st := &Stream{
		id:         id,
		session:    s,
		recvWindow: initialWindow,
		sendWindow: initialWindow,
		maxWindow:  maxWindow,
	}
	st.cond.L = &st.mu
	return st
}

// ID returns the stream's StreamId.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// deadlineExceeded reports whether t is non-zero and has passed.
func deadlineExceeded(t time.Time) bool {
	return !t.IsZero() && !time.Now().Before(t)
}

// SetReadDeadline sets the read deadline. As in the teacher, this does not
// retroactively affect a Read call already blocked past its previous
// deadline handling setup; only calls made (or timers armed) after this
// call observe the new deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rd = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the write deadline.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.wd = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// SetDeadline sets both read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

// deliverData is called by the session's read loop when a DATA frame
// arrives for this stream. It blocks the caller (the session's single
// reader goroutine) until the payload has been fully consumed by Read, so
// that an application that never reads cannot make the session buffer an
// unbounded amount of data — backpressure is enforced by simply not
// returning control to the read loop (spec.md §5 "Backpressure").
//
// Receiving N bytes decrements recv_window by N (spec.md §4.2); credit is
// returned to the peer only once Read actually consumes the bytes
// (creditRecvWindowLocked), keeping recv_window + buffered_not_yet_credited
// constant at initial_window for the life of the stream (spec.md §8.4). A
// peer that sends more than it was ever credited violates that invariant
// and is reported back to the caller so the session can reset the stream
// instead of silently accepting the overrun.
func (s *Stream) deliverData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return nil // frame for an already-closed stream; discard
	}
	if uint32(len(payload)) > s.recvWindow {
		return ErrFlowControlViolation
	}
	s.recvWindow -= uint32(len(payload))
	s.recvBuf = payload
	s.cond.Broadcast()
	for len(s.recvBuf) > 0 && s.err == nil && s.state != StreamClosed {
		s.cond.Wait()
	}
	return nil
}

// markHalfClosedRemote records that a FIN arrived from the peer.
func (s *Stream) markHalfClosedRemote() {
	s.mu.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		s.state = StreamClosed
	}
	closed := s.state == StreamClosed
	s.cond.Broadcast()
	s.mu.Unlock()
	if closed {
		s.session.reapIfClosed(s.id)
	}
}

// markReset collapses the stream directly to closed, discarding buffered
// data, per spec.md §4.2 "RST from either side collapses directly to
// closed."
func (s *Stream) markReset() {
	s.mu.Lock()
	s.state = StreamClosed
	s.recvBuf = nil
	if s.err == nil {
		s.err = ErrReset
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.session.reapIfClosed(s.id)
}

// markConnectionClosed fails the stream with ErrConnectionClosed, used when
// the owning Session tears down.
func (s *Stream) markConnectionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StreamClosed
	s.recvBuf = nil
	if s.err == nil {
		s.err = ErrConnectionClosed
	}
	s.cond.Broadcast()
}

// creditSendWindow is called by the session's read loop on an inbound
// WINDOW_UPDATE frame.
func (s *Stream) creditSendWindow(delta uint32) {
	s.mu.Lock()
	s.sendWindow += delta
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Read implements "read_some": it returns as soon as at least one byte is
// available, blocking until data arrives, the peer's FIN drains the buffer
// (io.EOF), or the stream fails. Exact-N reads ("read" in spec.md §4.2) are
// obtained the idiomatic Go way, via io.ReadFull(stream, buf).
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reading {
		return 0, ErrIsReading
	}
	s.reading = true
	defer func() { s.reading = false }()

	if !s.rd.IsZero() {
		if deadlineExceeded(s.rd) {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.AfterFunc(time.Until(s.rd), s.cond.Broadcast)
		defer timer.Stop()
	}

	for len(s.recvBuf) == 0 && s.err == nil && s.state != StreamHalfClosedRemote && s.state != StreamClosed && !deadlineExceeded(s.rd) {
		s.cond.Wait()
	}

	if len(s.recvBuf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if deadlineExceeded(s.rd) {
			return 0, os.ErrDeadlineExceeded
		}
		if s.state == StreamHalfClosedRemote || s.state == StreamClosed {
			return 0, io.EOF
		}
	}

	n := copy(p, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	s.cond.Broadcast() // wake deliverData so it can return to the read loop

	if n > 0 {
		s.creditRecvWindowLocked(uint32(n))
	}
	return n, nil
}

// creditRecvWindowLocked sends a WINDOW_UPDATE for n consumed bytes and
// bumps recv_window, per spec.md §4.2's flow-control paragraph. Must be
// called with s.mu held; it unlocks/relocks around the actual frame write.
func (s *Stream) creditRecvWindowLocked(n uint32) {
	s.recvWindow += n
	id := s.id
	sess := s.session
	s.mu.Unlock()
	sess.sendWindowUpdate(id, n)
	s.mu.Lock()
}

// AdjustWindow proactively expands the stream's advertised receive window,
// bounded by maximum_window_size (spec.md §4.2). A newSize at or below the
// current window is a no-op; the window is never shrunk.
func (s *Stream) AdjustWindow(newSize uint32) error {
	s.mu.Lock()
	if newSize > s.maxWindow {
		s.mu.Unlock()
		return ErrWindowTooLarge
	}
	if newSize <= s.recvWindow {
		s.mu.Unlock()
		return nil
	}
	delta := newSize - s.recvWindow
	s.recvWindow = newSize
	id := s.id
	sess := s.session
	s.mu.Unlock()
	sess.sendWindowUpdate(id, delta)
	return nil
}

// Write implements the full "write" contract: all of p is written, or an
// error is returned describing how much made it out. It chunks p into
// DATA frames no larger than maxStreamFrame and no larger than the
// available send window, blocking when the window is exhausted
// (spec.md §4.2, scenario 3 in spec.md §8).
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.writing {
		s.mu.Unlock()
		return 0, ErrIsWriting
	}
	s.writing = true
	defer func() {
		s.mu.Lock()
		s.writing = false
		s.mu.Unlock()
	}()
	s.mu.Unlock()

	written := 0
	for written < len(p) {
		s.mu.Lock()
		if err := s.writableErrLocked(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		if !s.wd.IsZero() && deadlineExceeded(s.wd) {
			s.mu.Unlock()
			return written, os.ErrDeadlineExceeded
		}
		var timer *time.Timer
		if !s.wd.IsZero() {
			timer = time.AfterFunc(time.Until(s.wd), s.cond.Broadcast)
		}
		for s.sendWindow == 0 && s.err == nil && s.state != StreamHalfClosedLocal && s.state != StreamClosed && !deadlineExceeded(s.wd) {
			s.cond.Wait()
		}
		if timer != nil {
			timer.Stop()
		}
		if err := s.writableErrLocked(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		if s.sendWindow == 0 {
			// only remaining reason to fall out of the wait loop is the
			// deadline
			s.mu.Unlock()
			return written, os.ErrDeadlineExceeded
		}
		n := len(p) - written
		if n > maxStreamFrame {
			n = maxStreamFrame
		}
		if uint32(n) > s.sendWindow {
			n = int(s.sendWindow)
		}
		chunk := p[written : written+n]
		f := flags(0)
		if !s.sentSYN {
			f |= flagSYN
			s.sentSYN = true
		}
		s.sendWindow -= uint32(n)
		id := s.id
		sess := s.session
		s.mu.Unlock()

		if err := sess.sendData(id, f, chunk); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.cond.Broadcast()
			s.mu.Unlock()
			return written, err
		}
		written += n
	}
	return written, nil
}

// writableErrLocked returns the error that should be surfaced to a writer
// given the current state, or nil if writing may proceed. Must be called
// with s.mu held.
func (s *Stream) writableErrLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.state == StreamHalfClosedLocal || s.state == StreamClosed {
		return ErrNotWritable
	}
	return nil
}

// WriteSome implements "write_some": it writes the first min(len(p),
// maxStreamFrame) bytes of p and returns that count, rather than looping
// until all of p is written. If the send window is smaller than that
// chunk, it waits for window credit until the whole chunk has been sent,
// which may take more than one frame.
func (s *Stream) WriteSome(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := len(p)
	if n > maxStreamFrame {
		n = maxStreamFrame
	}
	return s.Write(p[:n])
}

// Close sends FIN: the stream becomes not-writable but remains readable
// until the peer's FIN arrives. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StreamClosed || s.state == StreamHalfClosedLocal {
		s.mu.Unlock()
		return nil
	}
	if s.err != nil {
		// already failed (reset / connection closed); Close is a no-op
		s.mu.Unlock()
		return nil
	}
	if s.state == StreamHalfClosedRemote {
		s.state = StreamClosed
	} else {
		s.state = StreamHalfClosedLocal
	}
	closed := s.state == StreamClosed
	sentSYN := s.sentSYN
	s.sentSYN = true
	id := s.id
	sess := s.session
	s.cond.Broadcast()
	s.mu.Unlock()

	f := flagFIN
	if !sentSYN {
		f |= flagSYN
	}
	err := sess.sendData(id, f, nil)
	if closed {
		sess.reapIfClosed(id)
	}
	return err
}

// CloseWrite is an alias for Close matching the iface.MuxedStream contract
// (half-close the write side only).
func (s *Stream) CloseWrite() error { return s.Close() }

// Reset sends RST and closes the stream immediately on both ends.
// Idempotent.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamClosed
	s.recvBuf = nil
	if s.err == nil {
		s.err = ErrReset
	}
	id := s.id
	sess := s.session
	s.cond.Broadcast()
	s.mu.Unlock()

	err := sess.sendReset(id)
	sess.reapIfClosed(id)
	return err
}

var _ io.ReadWriteCloser = (*Stream)(nil)

func (s *Stream) String() string {
	return fmt.Sprintf("stream %d (%s)", s.id, s.State())
}
