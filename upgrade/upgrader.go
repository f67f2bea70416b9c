// Package upgrade implements the connection upgrader of spec.md §4.5: the
// stateless pipeline that promotes a raw byte pipe through configured layer
// adaptors, a negotiated security adaptor, and a negotiated muxer adaptor.
package upgrade

import (
	"context"
	"time"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/msmux"
	"github.com/libp2p/go-p2pcore/peer"
)

// Config mirrors the ambient shape seen across the retrieved example
// repos' own upgrader configs (ordered layer/security/muxer candidate
// lists plus independent negotiate/handshake timeouts).
type Config struct {
	Layers             []iface.LayerAdaptor
	SecurityTransports []iface.SecurityAdaptor
	StreamMuxers       []iface.MuxerAdaptor
	NegotiateTimeout   time.Duration
	HandshakeTimeout   time.Duration
}

func (c Config) negotiateTimeout() time.Duration {
	if c.NegotiateTimeout > 0 {
		return c.NegotiateTimeout
	}
	return 60 * time.Second
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 30 * time.Second
}

// Upgrader runs the raw → layered → secured → muxed promotion (spec.md
// §4.5). It is stateless across calls: all state lives in the Config it
// was built with and the connection being upgraded.
type Upgrader struct {
	cfg Config
}

// New returns an Upgrader for cfg.
func New(cfg Config) *Upgrader {
	return &Upgrader{cfg: cfg}
}

func securityProtocolIDs(adaptors []iface.SecurityAdaptor) []string {
	ids := make([]string, len(adaptors))
	for i, a := range adaptors {
		ids[i] = a.ProtocolID()
	}
	return ids
}

func muxProtocolIDs(adaptors []iface.MuxerAdaptor) []string {
	ids := make([]string, len(adaptors))
	for i, a := range adaptors {
		ids[i] = a.ProtocolID()
	}
	return ids
}

// candidateSet lets NegotiateMultiInbound drive the responder side of
// security or muxer selection from the same Config-built maps the
// outbound path uses to resolve its own chosen protocol string.
type candidateSet map[string]struct{}

func (c candidateSet) Supports(id string) bool { _, ok := c[id]; return ok }
func (c candidateSet) Protocols() []string {
	out := make([]string, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	return out
}

func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// UpgradeOutbound runs the pipeline as the connection's initiator. If
// expectedPeer is non-empty, the post-handshake remote identity must match
// it or the upgrade fails with ErrPeerIDMismatch.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw iface.RawConn, expectedPeer peer.ID) (iface.MuxedConn, error) {
	layered, err := u.applyLayersOutbound(ctx, raw)
	if err != nil {
		return nil, wrapStage(StageLayer, err)
	}

	secured, err := u.negotiateSecurityOutbound(ctx, layered, expectedPeer)
	if err != nil {
		return nil, wrapStage(StageSecurity, err)
	}
	if expectedPeer != peer.Empty && secured.RemotePeer() != expectedPeer {
		return nil, wrapStage(StageSecurity, ErrPeerIDMismatch)
	}

	muxed, err := u.negotiateMuxOutbound(secured)
	if err != nil {
		return nil, wrapStage(StageMux, err)
	}
	return muxed, nil
}

// UpgradeInbound runs the pipeline as the connection's acceptor.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw iface.RawConn) (iface.MuxedConn, error) {
	layered, err := u.applyLayersInbound(ctx, raw)
	if err != nil {
		return nil, wrapStage(StageLayer, err)
	}

	secured, err := u.negotiateSecurityInbound(ctx, layered)
	if err != nil {
		return nil, wrapStage(StageSecurity, err)
	}

	muxed, err := u.negotiateMuxInbound(secured)
	if err != nil {
		return nil, wrapStage(StageMux, err)
	}
	return muxed, nil
}

func (u *Upgrader) applyLayersOutbound(ctx context.Context, raw iface.RawConn) (iface.LayerConn, error) {
	ctx, cancel := withDeadline(ctx, u.cfg.handshakeTimeout())
	defer cancel()
	var conn iface.RawConn = raw
	var layerConn iface.LayerConn = raw
	for _, l := range u.cfg.Layers {
		next, err := l.UpgradeOutbound(ctx, conn)
		if err != nil {
			return nil, err
		}
		layerConn = next
		conn = next // LayerConn satisfies RawConn's net.Conn method set
	}
	return layerConn, nil
}

func (u *Upgrader) applyLayersInbound(ctx context.Context, raw iface.RawConn) (iface.LayerConn, error) {
	ctx, cancel := withDeadline(ctx, u.cfg.handshakeTimeout())
	defer cancel()
	var conn iface.RawConn = raw
	var layerConn iface.LayerConn = raw
	for _, l := range u.cfg.Layers {
		next, err := l.UpgradeInbound(ctx, conn)
		if err != nil {
			return nil, err
		}
		layerConn = next
		conn = next
	}
	return layerConn, nil
}

// negotiateSecurityOutbound runs multistream-select over conn to agree on a
// security adaptor, then invokes its handshake under handshakeTimeout.
//
// negotiateTimeout is not separately enforced on the negotiation round-trip
// itself: msmux's line-based negotiator has no context.Context parameter
// (its only suspension point is the underlying conn's own read/write
// deadlines), so callers that need a hard negotiate deadline should set one
// with conn.SetDeadline before calling UpgradeOutbound/UpgradeInbound.
func (u *Upgrader) negotiateSecurityOutbound(ctx context.Context, conn iface.LayerConn, expectedPeer peer.ID) (iface.SecureConn, error) {
	byID := make(map[string]iface.SecurityAdaptor, len(u.cfg.SecurityTransports))
	for _, a := range u.cfg.SecurityTransports {
		byID[a.ProtocolID()] = a
	}
	chosen, err := msmux.NegotiateMultiOutbound(conn, securityProtocolIDs(u.cfg.SecurityTransports))
	if err != nil {
		return nil, err
	}
	adaptor, ok := byID[chosen]
	if !ok {
		return nil, msmux.ErrNegotiationFailed
	}

	hctx, cancel := withDeadline(ctx, u.cfg.handshakeTimeout())
	defer cancel()
	return adaptor.SecureOutbound(hctx, conn, expectedPeer)
}

func (u *Upgrader) negotiateSecurityInbound(ctx context.Context, conn iface.LayerConn) (iface.SecureConn, error) {
	set := make(candidateSet, len(u.cfg.SecurityTransports))
	byID := make(map[string]iface.SecurityAdaptor, len(u.cfg.SecurityTransports))
	for _, a := range u.cfg.SecurityTransports {
		set[a.ProtocolID()] = struct{}{}
		byID[a.ProtocolID()] = a
	}
	chosen, err := msmux.NegotiateMultiInbound(conn, set)
	if err != nil {
		return nil, err
	}
	hctx, cancel := withDeadline(ctx, u.cfg.handshakeTimeout())
	defer cancel()
	return byID[chosen].SecureInbound(hctx, conn)
}

func (u *Upgrader) negotiateMuxOutbound(conn iface.SecureConn) (iface.MuxedConn, error) {
	byID := make(map[string]iface.MuxerAdaptor, len(u.cfg.StreamMuxers))
	for _, a := range u.cfg.StreamMuxers {
		byID[a.ProtocolID()] = a
	}
	chosen, err := msmux.NegotiateMultiOutbound(conn, muxProtocolIDs(u.cfg.StreamMuxers))
	if err != nil {
		return nil, err
	}
	adaptor, ok := byID[chosen]
	if !ok {
		return nil, msmux.ErrNegotiationFailed
	}
	return adaptor.NewConn(conn, true)
}

func (u *Upgrader) negotiateMuxInbound(conn iface.SecureConn) (iface.MuxedConn, error) {
	set := make(candidateSet, len(u.cfg.StreamMuxers))
	byID := make(map[string]iface.MuxerAdaptor, len(u.cfg.StreamMuxers))
	for _, a := range u.cfg.StreamMuxers {
		set[a.ProtocolID()] = struct{}{}
		byID[a.ProtocolID()] = a
	}
	chosen, err := msmux.NegotiateMultiInbound(conn, set)
	if err != nil {
		return nil, err
	}
	return byID[chosen].NewConn(conn, false)
}
