// Package iface declares the collaborator interfaces the core consumes and
// exposes, but never implements. Concrete transports, cryptographic security
// adaptors, multiaddress parsers, and key codecs live outside this module;
// the core is wired against these interfaces only.
package iface

import (
	"context"
	"io"
	"net"

	"github.com/libp2p/go-p2pcore/peer"
)

// Multiaddr is a self-describing, immutable network address. The core never
// parses or constructs one; it only compares and forwards values supplied by
// a collaborator.
type Multiaddr interface {
	String() string
	Equal(Multiaddr) bool
}

// RawConn is an unupgraded, unauthenticated byte pipe produced by a
// Transport.
type RawConn interface {
	net.Conn
}

// LayerConn is a RawConn wrapped by zero or more LayerAdaptors (e.g. a
// WebSocket framing layer). It is still unauthenticated.
type LayerConn interface {
	net.Conn
}

// SecureConn is a LayerConn that has completed a security handshake. It
// additionally exposes the identity of the remote peer.
type SecureConn interface {
	net.Conn
	RemotePeer() peer.ID
}

// MuxedStream is one bidirectional byte stream carried over a MuxedConn. The
// core's own yamux.Stream satisfies this interface; it is declared here so
// that upgrade/swarm code can depend on the muxer abstractly.
type MuxedStream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
	Reset() error
}

// MuxedConn is a secured byte pipe that has been promoted to carry many
// independent streams. yamux.Session is the core's implementation.
type MuxedConn interface {
	io.Closer
	IsClosed() bool
	OpenStream(ctx context.Context) (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
	RemotePeer() peer.ID
	IsInitiator() bool
	// SetCloseCallback installs the function invoked exactly once when this
	// connection transitions to closed. It is called from every close path.
	SetCloseCallback(func())
}

// Transport dials and listens for RawConns over some concrete medium (TCP,
// QUIC, in-memory pipe, ...). Not implemented by this module.
type Transport interface {
	Dial(ctx context.Context, addr Multiaddr) (RawConn, error)
	Listen(addr Multiaddr) (Listener, error)
	CanDial(addr Multiaddr) bool
}

// Listener accepts inbound RawConns for a Transport.
type Listener interface {
	Accept() (RawConn, error)
	Close() error
	Addr() Multiaddr
}

// LayerAdaptor wraps a connection with an intermediate framing or transport
// layer (e.g. WebSocket) prior to security negotiation.
type LayerAdaptor interface {
	ProtocolID() string
	UpgradeInbound(ctx context.Context, conn RawConn) (LayerConn, error)
	UpgradeOutbound(ctx context.Context, conn RawConn) (LayerConn, error)
}

// SecurityAdaptor authenticates and (optionally) encrypts a LayerConn,
// producing a SecureConn bound to a remote PeerId.
type SecurityAdaptor interface {
	ProtocolID() string
	SecureInbound(ctx context.Context, conn LayerConn) (SecureConn, error)
	SecureOutbound(ctx context.Context, conn LayerConn, expectedPeer peer.ID) (SecureConn, error)
}

// MuxerAdaptor wraps a SecureConn into a MuxedConn.
type MuxerAdaptor interface {
	ProtocolID() string
	NewConn(conn SecureConn, isInitiator bool) (MuxedConn, error)
}

// KeyMarshaller converts between a peer's public key and its canonical wire
// representation. Not implemented by this module.
type KeyMarshaller interface {
	Marshal(pubKey any) ([]byte, error)
	Unmarshal(data []byte) (pubKey any, err error)
}
