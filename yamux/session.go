// Package yamux implements the stream multiplexer of spec.md §4.1-§4.3: a
// 12-byte-header binary framing protocol that runs many independent
// bidirectional byte streams over a single ordered byte pipe, with
// per-stream flow control and a half-closed lifecycle.
//
// The concurrency shape is grounded on the teacher package
// (go.sia.tech/mux, v2/mux.go): one sync.Mutex/sync.Cond pair per Session
// guarding all mutable state, one dedicated read-loop goroutine and one
// dedicated write-loop goroutine per Session, and per-Stream sync.Cond
// instances for blocking Read/Write callers. Unlike the teacher, frames are
// the real Yamux wire format (no encryption, no packet chunking — those are
// specific to SiaMux's traffic-analysis resistance goal, out of scope
// here), and every stream carries its own send/receive window instead of
// sharing one implicit buffer cap.
package yamux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"lukechampine.com/frand"

	"github.com/libp2p/go-p2pcore/internal/deferred"
	"github.com/libp2p/go-p2pcore/peer"
)

// Session is spec.md's "muxed connection": it owns the underlying secured
// byte pipe, demultiplexes inbound frames to Streams, serializes outbound
// writes, and runs the keepalive/inactivity timers.
type Session struct {
	conn        io.ReadWriteCloser
	cfg         Config
	isInitiator bool
	remotePeer  peer.ID

	mu   sync.Mutex
	cond sync.Cond // L == &mu

	streams         map[uint32]*Stream
	acceptQueue     []*Stream
	pendingOutbound map[uint32]chan error
	nextID          uint32

	closed   bool
	closeErr error
	goAway   bool // true once we've sent or received GO_AWAY

	writeQueue [][]byte

	handler   func(*Stream)
	closeOnce sync.Once
	closeCB   func()

	lastActivity    time.Time
	pingOutstanding bool

	// serial is an opaque identifier a caller may attach with SetSerial; the
	// Session itself never reads it. swarm.Manager does not use it: it
	// assigns and tracks its own per-entry serial instead.
	serial uint64
}

// NewSession wraps conn (already secured, per the upgrader's contract) as a
// Yamux muxed connection and starts its read/write/keepalive loops.
// remotePeer may be peer.Empty if the identity is not yet known.
func NewSession(conn io.ReadWriteCloser, cfg Config, isInitiator bool, remotePeer peer.ID) *Session {
	s := &Session{
		conn:            conn,
		cfg:             cfg,
		isInitiator:     isInitiator,
		remotePeer:      remotePeer,
		streams:         make(map[uint32]*Stream),
		pendingOutbound: make(map[uint32]chan error),
		lastActivity:    time.Now(),
	}
	if isInitiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.cond.L = &s.mu

	go s.readLoop()
	go s.writeLoop()
	if cfg.KeepAliveInterval > 0 {
		go s.keepaliveLoop()
	}
	if cfg.InactivityTimeout > 0 {
		go s.inactivityLoop()
	}
	return s
}

// Serial returns the session's manager-assigned identity, or 0 if unset.
func (s *Session) Serial() uint64 { return s.serial }

// SetSerial records an opaque caller-assigned identifier, returned by Serial.
func (s *Session) SetSerial(n uint64) { s.serial = n }

// IsInitiator reports whether this side dialed the connection.
func (s *Session) IsInitiator() bool { return s.isInitiator }

// RemotePeer returns the identity of the peer on the other end.
func (s *Session) RemotePeer() peer.ID { return s.remotePeer }

// IsClosed reports whether the session has finished tearing down.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetNewStreamHandler installs the callback invoked for every
// peer-initiated stream. It must be set before traffic arrives to avoid
// racing the read loop; typically called immediately after NewSession.
func (s *Session) SetNewStreamHandler(fn func(*Stream)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// SetCloseCallback installs the function invoked exactly once when this
// session transitions to closed, from every close path (spec.md §4.3).
func (s *Session) SetCloseCallback(fn func()) {
	s.mu.Lock()
	s.closeCB = fn
	s.mu.Unlock()
}

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// -- stream lifecycle -------------------------------------------------

// OpenStream allocates a new outbound StreamId and sends its SYN frame
// immediately, then waits for the peer's ACK (spec.md: "open_stream →
// muxer allocates StreamId → send SYN frame"). The returned Stream is only
// valid once the peer has acknowledged it; cancelling ctx aborts the wait.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.closeErr
	}
	if s.goAway {
		s.mu.Unlock()
		return nil, ErrGoAway
	}
	id := s.nextID
	if id >= (1<<32)-2 {
		s.mu.Unlock()
		s.fail(ErrStreamIDExhausted)
		return nil, ErrStreamIDExhausted
	}
	s.nextID += 2

	st := newStream(id, s, s.cfg.InitialWindow, s.cfg.MaxWindowSize)
	st.sentSYN = true
	s.streams[id] = st
	waitCh := make(chan error, 1)
	s.pendingOutbound[id] = waitCh
	s.mu.Unlock()

	if err := s.sendData(id, flagSYN, nil); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		delete(s.pendingOutbound, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case err := <-waitCh:
		if err != nil {
			return nil, err
		}
		return st, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingOutbound, id)
		s.mu.Unlock()
		st.Reset()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// AcceptStream waits for and returns the next peer-initiated stream.
func (s *Session) AcceptStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.acceptQueue) > 0 {
			st := s.acceptQueue[0]
			s.acceptQueue = s.acceptQueue[1:]
			return st, nil
		}
		if s.closed {
			return nil, s.closeErr
		}
		s.cond.Wait()
	}
}

// reapIfClosed removes a fully-closed stream from the live map, and if the
// session already received a GO_AWAY and this was the last stream, finishes
// the graceful shutdown (spec.md §4.3 "GO_AWAY ... existing streams drain;
// eventually close").
func (s *Session) reapIfClosed(id uint32) {
	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok || st.State() != StreamClosed {
		s.mu.Unlock()
		return
	}
	delete(s.streams, id)
	drained := s.goAway && len(s.streams) == 0
	s.cond.Broadcast()
	s.mu.Unlock()
	if drained {
		s.fail(ErrGoAway)
	}
}

// -- frame dispatch (read loop) ----------------------------------------

func (s *Session) readLoop() {
	hdrBuf := make([]byte, headerSize)
	for {
		h, payload, err := readFrame(s.conn, hdrBuf)
		if err != nil {
			if errors.Is(err, ErrFrameParse) {
				s.sendGoAway(goAwayProtocolError)
			}
			s.fail(fmt.Errorf("yamux: %w", err))
			return
		}
		s.markActivity()
		switch h.typ {
		case frameData:
			s.handleData(h, payload)
		case frameWindowUpdate:
			s.handleWindowUpdate(h)
		case framePing:
			s.handlePing(h)
		case frameGoAway:
			s.handleGoAway()
		}
	}
}

// handleData dispatches one DATA frame. Session bookkeeping (the stream
// map, accept queue and pending-open table) is updated under s.mu; frame
// sends, waiter completions and the new-stream handler launch are queued on
// a deferred.Queue and run only after s.mu is released, and stream state
// updates (FIN, RST, payload delivery) are made after that, per spec.md
// §4.3's "defer discipline": nothing here
// calls back into application code, or writes a frame, while holding the
// lock a reentrant call would need.
func (s *Session) handleData(h header, payload []byte) {
	var runAfter deferred.Queue

	s.mu.Lock()
	st, ok := s.streams[h.streamID]

	if h.flags.has(flagRST) {
		s.mu.Unlock()
		if ok {
			st.markReset()
		}
		return
	}

	if !ok {
		if !h.flags.has(flagSYN) || s.goAway {
			// Frame for a stream we've never heard of, already reaped, or
			// arriving after we've announced GO_AWAY: tell the peer it's
			// gone rather than silently dropping it.
			id := h.streamID
			runAfter.Add(func() { s.sendReset(id) })
			s.mu.Unlock()
			runAfter.Run()
			return
		}
		st = newStream(h.streamID, s, s.cfg.InitialWindow, s.cfg.MaxWindowSize)
		st.sentSYN = true
		s.streams[h.streamID] = st
		s.acceptQueue = append(s.acceptQueue, st)

		id, newSt, fn := h.streamID, st, s.handler
		runAfter.Add(func() { s.sendData(id, flagACK, nil) })
		if fn != nil {
			runAfter.Add(func() { go s.safeInvokeHandler(fn, newSt) })
		}
	} else if h.flags.has(flagACK) {
		if ch, pending := s.pendingOutbound[h.streamID]; pending {
			delete(s.pendingOutbound, h.streamID)
			runAfter.Add(func() { ch <- nil })
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	runAfter.Run()

	if h.flags.has(flagFIN) {
		st.markHalfClosedRemote()
	}
	if len(payload) > 0 {
		if err := st.deliverData(payload); err != nil {
			st.markReset()
			s.sendReset(h.streamID)
		}
	}
}

// safeInvokeHandler isolates a misbehaving new-stream handler: a panic is
// recovered and logged, and the stream reset, rather than taking down the
// whole session (spec.md §7 "A failing secondary callback ... MUST be
// isolated").
func (s *Session) safeInvokeHandler(fn func(*Stream), st *Stream) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("yamux: new-stream handler for stream %d panicked: %v", st.ID(), r)
			st.Reset()
		}
	}()
	fn(st)
}

func (s *Session) handleWindowUpdate(h header) {
	s.mu.Lock()
	st := s.streams[h.streamID]
	s.mu.Unlock()
	if st != nil {
		st.creditSendWindow(h.length)
	}
}

func (s *Session) handlePing(h header) {
	if h.flags.has(flagSYN) {
		s.sendPing(true, h.length)
		return
	}
	if h.flags.has(flagACK) {
		s.mu.Lock()
		s.pingOutstanding = false
		s.mu.Unlock()
	}
}

func (s *Session) handleGoAway() {
	s.mu.Lock()
	s.goAway = true
	drained := len(s.streams) == 0
	s.mu.Unlock()
	if drained {
		s.fail(ErrGoAway)
	}
}

// -- outbound frame construction ----------------------------------------

func (s *Session) sendData(id uint32, f flags, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, header{typ: frameData, flags: f, streamID: id, length: uint32(len(payload))})
	copy(buf[headerSize:], payload)
	return s.enqueueFrame(buf)
}

func (s *Session) sendReset(id uint32) error {
	buf := make([]byte, headerSize)
	encodeHeader(buf, header{typ: frameData, flags: flagRST, streamID: id})
	return s.enqueueFrame(buf)
}

func (s *Session) sendWindowUpdate(id uint32, delta uint32) error {
	if delta == 0 {
		return nil
	}
	buf := make([]byte, headerSize)
	encodeHeader(buf, header{typ: frameWindowUpdate, streamID: id, length: delta})
	return s.enqueueFrame(buf)
}

func (s *Session) sendPing(ack bool, value uint32) error {
	f := flagSYN
	if ack {
		f = flagACK
	}
	buf := make([]byte, headerSize)
	encodeHeader(buf, header{typ: framePing, flags: f, length: value})
	return s.enqueueFrame(buf)
}

func (s *Session) sendGoAway(code uint32) error {
	s.mu.Lock()
	s.goAway = true
	s.mu.Unlock()
	buf := make([]byte, headerSize)
	encodeHeader(buf, header{typ: frameGoAway, length: code})
	return s.enqueueFrame(buf)
}

func (s *Session) enqueueFrame(buf []byte) error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.writeQueue = append(s.writeQueue, buf)
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Session) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.writeQueue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.writeQueue) == 0 {
			s.mu.Unlock()
			return
		}
		frame := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.mu.Unlock()

		if _, err := s.conn.Write(frame); err != nil {
			s.fail(fmt.Errorf("yamux: write: %w", err))
			return
		}
	}
}

// -- keepalive / inactivity ----------------------------------------------

// keepaliveLoop sends a PING every KeepAliveInterval (jittered slightly via
// frand, the teacher's own RNG import, so that many sessions opened at
// once don't all probe in lockstep) and closes the session with
// ErrKeepaliveTimeout if no PING|ACK arrives within KeepAliveTimeout.
//
// Open question resolution (spec.md §9): keepalive is checked first, and an
// in-flight PING counts as activity for the inactivity timer, so the two
// timers cannot race each other into closing a session that just proved it
// was alive.
func (s *Session) keepaliveLoop() {
	jitter := time.Duration(frand.Intn(1000)) * time.Millisecond
	ticker := time.NewTicker(s.cfg.KeepAliveInterval + jitter)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.pingOutstanding {
			s.mu.Unlock()
			s.fail(ErrKeepaliveTimeout)
			return
		}
		s.pingOutstanding = true
		s.mu.Unlock()

		s.markActivity()
		if err := s.sendPing(false, uint32(frand.Uint64n(1<<32))); err != nil {
			return
		}

		timeout := time.NewTimer(s.cfg.KeepAliveTimeout)
		select {
		case <-timeout.C:
			s.mu.Lock()
			stillOutstanding := s.pingOutstanding
			s.mu.Unlock()
			if stillOutstanding {
				s.fail(ErrKeepaliveTimeout)
				return
			}
		case <-s.closedSignal():
			timeout.Stop()
			return
		}
	}
}

// closedSignal returns a channel that's closed once the session closes, so
// goroutines like keepaliveLoop can select on it instead of polling.
func (s *Session) closedSignal() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.closed {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// inactivityLoop closes the session if InactivityTimeout elapses with no
// application traffic and no open streams (spec.md §4.3).
func (s *Session) inactivityLoop() {
	ticker := time.NewTicker(s.cfg.InactivityTimeout / 4)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		idle := time.Since(s.lastActivity) >= s.cfg.InactivityTimeout
		noStreams := len(s.streams) == 0
		s.mu.Unlock()
		if idle && noStreams {
			s.fail(nil)
			return
		}
	}
}

// -- close ---------------------------------------------------------------

// Close tears the session down: it is idempotent and safe to call from any
// goroutine (spec.md §7 "Idempotence of close").
func (s *Session) Close() error {
	return s.fail(nil)
}

// fail is the sole teardown path (spec.md §4.3 "Connection close and
// cleanup"): it marks the session closed, fails every stream and pending
// dial waiter with the given error (or ErrConnectionClosed if nil/graceful),
// closes the underlying pipe, and invokes the close callback exactly once,
// outside of s.mu, so user code can never re-enter the session's critical
// section from within it.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.closed {
		existing := s.closeErr
		s.mu.Unlock()
		return existing
	}
	if err == nil {
		err = ErrConnectionClosed
	} else if isConnCloseError(err) {
		err = ErrConnectionClosed
	}
	s.closed = true
	s.closeErr = err
	for _, st := range s.streams {
		st.markConnectionClosed()
	}
	s.streams = make(map[uint32]*Stream)
	for id, ch := range s.pendingOutbound {
		ch <- err
		delete(s.pendingOutbound, id)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.conn.Close()
		if s.closeCB != nil {
			s.closeCB()
		}
	})

	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}
