package yamux

import "time"

// Config controls a Session's flow-control defaults and timer behavior.
type Config struct {
	// InitialWindow is the starting recv/send window for every stream
	// (spec.md §3: "Initial window is 256 KiB on both sides"). Both peers
	// must agree on this value out of band; there is no window-size
	// negotiation during stream open.
	InitialWindow uint32
	// MaxWindowSize caps how far AdjustWindow may grow a stream's window.
	MaxWindowSize uint32
	// KeepAliveInterval is how often a PING is sent (plus up to one second
	// of random jitter), whether or not other traffic is flowing. Zero
	// disables keepalives.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout is how long to wait for a PING|ACK before declaring
	// ErrKeepaliveTimeout.
	KeepAliveTimeout time.Duration
	// InactivityTimeout closes the session if no application traffic
	// crosses it and no streams are open for this long. Zero disables it.
	InactivityTimeout time.Duration
}

const (
	// DefaultInitialWindow is the spec-mandated flow-control floor.
	DefaultInitialWindow = 256 * 1024
	defaultMaxWindowSize = 16 * 1024 * 1024
)

// DefaultConfig returns the Session defaults used when a caller doesn't
// override them.
func DefaultConfig() Config {
	return Config{
		InitialWindow:     DefaultInitialWindow,
		MaxWindowSize:     defaultMaxWindowSize,
		KeepAliveInterval: 30 * time.Second,
		KeepAliveTimeout:  10 * time.Second,
		InactivityTimeout: 0,
	}
}
