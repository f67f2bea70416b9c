package yamux

import (
	"context"

	"github.com/libp2p/go-p2pcore/iface"
)

// asMuxedConn adapts a *Session to iface.MuxedConn: every method except
// OpenStream/AcceptStream is promoted unchanged from Session; those two are
// overridden here solely to widen their return type from *Stream to
// iface.MuxedStream, which Stream already satisfies.
type asMuxedConn struct {
	*Session
}

func (a asMuxedConn) OpenStream(ctx context.Context) (iface.MuxedStream, error) {
	return a.Session.OpenStream(ctx)
}

func (a asMuxedConn) AcceptStream() (iface.MuxedStream, error) {
	return a.Session.AcceptStream()
}

// AsMuxedConn exposes s through the iface.MuxedConn contract the rest of
// the module (upgrade, swarm) is wired against.
func (s *Session) AsMuxedConn() iface.MuxedConn {
	return asMuxedConn{s}
}

var _ iface.MuxedConn = asMuxedConn{}
