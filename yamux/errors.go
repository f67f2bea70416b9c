package yamux

import "errors"

// Errors relating to stream and session lifecycle. Sentinel values in the
// style of the teacher package (go.sia.tech/mux): compared with errors.Is,
// wrapped with fmt.Errorf("...: %w", err) at call sites.
var (
	// ErrNotReadable names the condition where the local side has already
	// received the peer's FIN and the receive buffer is empty. Stream.Read
	// reports that condition as io.EOF, per the io.Reader contract, and does
	// not return this value.
	ErrNotReadable = errors.New("yamux: stream is not readable (eof)")
	// ErrNotWritable is returned by Write when the local side has already
	// sent FIN on this stream.
	ErrNotWritable = errors.New("yamux: stream is not writable (fin sent)")
	// ErrReset indicates the stream was reset, locally or by the peer.
	ErrReset = errors.New("yamux: stream reset")
	// ErrConnectionClosed indicates the owning Session is gone.
	ErrConnectionClosed = errors.New("yamux: session closed")
	// ErrIsReading/ErrIsWriting guard the at-most-one-outstanding-call
	// reentrancy discipline of spec.md §4.2.
	ErrIsReading = errors.New("yamux: a read is already in progress on this stream")
	ErrIsWriting = errors.New("yamux: a write is already in progress on this stream")
	// ErrFrameParse indicates a malformed Yamux frame was received.
	ErrFrameParse = errors.New("yamux: malformed frame")
	// ErrKeepaliveTimeout indicates the peer failed to ACK a keepalive PING
	// within the configured timeout.
	ErrKeepaliveTimeout = errors.New("yamux: keepalive timeout")
	// ErrCancelled indicates the caller's context was cancelled before the
	// operation completed.
	ErrCancelled = errors.New("yamux: operation cancelled")
	// ErrStreamIDExhausted indicates the 32-bit stream ID space on this
	// session has been exhausted; the session must be closed.
	ErrStreamIDExhausted = errors.New("yamux: stream id space exhausted")
	// ErrWindowTooLarge is returned by Stream.AdjustWindow when the
	// requested size exceeds maximum_window_size.
	ErrWindowTooLarge = errors.New("yamux: requested window exceeds maximum window size")
	// ErrGoAway indicates the session entered graceful shutdown after
	// receiving a GO_AWAY frame.
	ErrGoAway = errors.New("yamux: peer sent go away")
	// ErrFlowControlViolation indicates the peer sent more DATA than its
	// advertised recv_window permitted.
	ErrFlowControlViolation = errors.New("yamux: peer exceeded advertised receive window")
)
