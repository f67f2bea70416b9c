package upgrade

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/peer"
	"github.com/libp2p/go-p2pcore/yamux"
)

// fakeSecurity is a no-op SecurityAdaptor: it negotiates but performs no
// cryptography, good enough to exercise the upgrader's pipeline shape
// without pulling a real handshake library into the test.
type fakeSecurity struct {
	id         string
	remotePeer peer.ID
}

func (f fakeSecurity) ProtocolID() string { return f.id }

func (f fakeSecurity) SecureInbound(ctx context.Context, conn iface.LayerConn) (iface.SecureConn, error) {
	return fakeSecureConn{conn, f.remotePeer}, nil
}

func (f fakeSecurity) SecureOutbound(ctx context.Context, conn iface.LayerConn, expected peer.ID) (iface.SecureConn, error) {
	return fakeSecureConn{conn, f.remotePeer}, nil
}

type fakeSecureConn struct {
	iface.LayerConn
	remotePeer peer.ID
}

func (c fakeSecureConn) RemotePeer() peer.ID { return c.remotePeer }

// countingLayer is a no-op LayerAdaptor that just counts how many times
// each direction ran, so tests can assert the layer chain in
// applyLayersOutbound/applyLayersInbound actually executes per configured
// layer instead of only being exercised via the zero-layers path.
type countingLayer struct {
	outboundCalls, inboundCalls int
}

func (l *countingLayer) ProtocolID() string { return "/counting/1.0.0" }

func (l *countingLayer) UpgradeOutbound(ctx context.Context, conn iface.RawConn) (iface.LayerConn, error) {
	l.outboundCalls++
	return conn, nil
}

func (l *countingLayer) UpgradeInbound(ctx context.Context, conn iface.RawConn) (iface.LayerConn, error) {
	l.inboundCalls++
	return conn, nil
}

func TestUpgradeOutboundInboundAgree(t *testing.T) {
	c1, c2 := net.Pipe()

	clientCfg := Config{
		SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("server"))}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	}
	serverCfg := Config{
		SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("client"))}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	}

	clientUp := New(clientCfg)
	serverUp := New(serverCfg)

	var wg sync.WaitGroup
	wg.Add(1)
	var serverConn iface.MuxedConn
	var serverErr error
	go func() {
		defer wg.Done()
		serverConn, serverErr = serverUp.UpgradeInbound(context.Background(), c2)
	}()

	clientConn, err := clientUp.UpgradeOutbound(context.Background(), c1, peer.Empty)
	if err != nil {
		t.Fatalf("UpgradeOutbound: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("UpgradeInbound: %v", serverErr)
	}
	if clientConn.RemotePeer() != peer.FromBytes([]byte("server")) {
		t.Fatalf("unexpected client remote peer: %v", clientConn.RemotePeer())
	}
	if !clientConn.IsInitiator() {
		t.Fatal("client side should be initiator")
	}
	if serverConn.IsInitiator() {
		t.Fatal("server side should not be initiator")
	}
}

func TestUpgradeRunsConfiguredLayers(t *testing.T) {
	c1, c2 := net.Pipe()
	clientLayer := &countingLayer{}
	serverLayer := &countingLayer{}

	clientCfg := Config{
		Layers:             []iface.LayerAdaptor{clientLayer},
		SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("server"))}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	}
	serverCfg := Config{
		Layers:             []iface.LayerAdaptor{serverLayer},
		SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("client"))}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		_, serverErr = New(serverCfg).UpgradeInbound(context.Background(), c2)
	}()

	_, err := New(clientCfg).UpgradeOutbound(context.Background(), c1, peer.Empty)
	if err != nil {
		t.Fatalf("UpgradeOutbound: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("UpgradeInbound: %v", serverErr)
	}

	if clientLayer.outboundCalls != 1 {
		t.Fatalf("client layer ran %d times, want 1", clientLayer.outboundCalls)
	}
	if serverLayer.inboundCalls != 1 {
		t.Fatalf("server layer ran %d times, want 1", serverLayer.inboundCalls)
	}
}

func TestUpgradePeerIDMismatch(t *testing.T) {
	c1, c2 := net.Pipe()
	go func() {
		up := New(Config{
			SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("client"))}},
			StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
		})
		up.UpgradeInbound(context.Background(), c2)
	}()

	up := New(Config{
		SecurityTransports: []iface.SecurityAdaptor{fakeSecurity{id: "/plaintext/1.0.0", remotePeer: peer.FromBytes([]byte("unexpected-identity"))}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	})
	_, err := up.UpgradeOutbound(context.Background(), c1, peer.FromBytes([]byte("the-real-server")))
	if err == nil {
		t.Fatal("expected a peer id mismatch error")
	}
	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if upErr.Stage != StageSecurity {
		t.Fatalf("expected security stage failure, got %s", upErr.Stage)
	}
}
