package yamux

import "github.com/libp2p/go-p2pcore/iface"

// ProtocolID is the multistream-select identifier this muxer negotiates
// under (spec.md §6 names the wire format; the identifier itself follows
// the usual libp2p muxer-protocol convention of "/name/version").
const ProtocolID = "/yamux/1.0.0"

// MuxerAdaptor implements iface.MuxerAdaptor, letting the upgrader
// negotiate and construct Yamux sessions without depending on this
// package's concrete types.
type MuxerAdaptor struct {
	Config Config
}

// NewMuxerAdaptor returns a MuxerAdaptor using cfg, or DefaultConfig if cfg
// is the zero value.
func NewMuxerAdaptor(cfg Config) MuxerAdaptor {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return MuxerAdaptor{Config: cfg}
}

func (MuxerAdaptor) ProtocolID() string { return ProtocolID }

// NewConn wraps conn as a Yamux Session and exposes it as iface.MuxedConn.
func (a MuxerAdaptor) NewConn(conn iface.SecureConn, isInitiator bool) (iface.MuxedConn, error) {
	s := NewSession(conn, a.Config, isInitiator, conn.RemotePeer())
	return s.AsMuxedConn(), nil
}

var _ iface.MuxerAdaptor = MuxerAdaptor{}
