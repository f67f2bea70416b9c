package swarm

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/peer"
	"github.com/libp2p/go-p2pcore/upgrade"
	"github.com/libp2p/go-p2pcore/yamux"
)

type fakeAddr struct{ s string }

func (a fakeAddr) String() string             { return a.s }
func (a fakeAddr) Equal(o iface.Multiaddr) bool { return o.String() == a.s }

// fakeTransport hands out one end of an in-memory pipe per Dial call and
// counts how many times Dial was actually invoked, so tests can assert
// singleflight coalescing collapsed concurrent callers into one attempt.
type fakeTransport struct {
	dialCount int32
	remote    peer.ID
	onDial    func() (iface.RawConn, iface.RawConn)
}

func (t *fakeTransport) CanDial(addr iface.Multiaddr) bool { return true }

func (t *fakeTransport) Dial(ctx context.Context, addr iface.Multiaddr) (iface.RawConn, error) {
	atomic.AddInt32(&t.dialCount, 1)
	client, server := t.onDial()
	go acceptAndUpgrade(server, t.remote)
	return client, nil
}

func (t *fakeTransport) Listen(addr iface.Multiaddr) (iface.Listener, error) {
	return nil, nil
}

type noSecurity struct{ remote peer.ID }

func (s noSecurity) ProtocolID() string { return "/plaintext/1.0.0" }
func (s noSecurity) SecureInbound(ctx context.Context, conn iface.LayerConn) (iface.SecureConn, error) {
	return secureConn{conn, s.remote}, nil
}
func (s noSecurity) SecureOutbound(ctx context.Context, conn iface.LayerConn, expected peer.ID) (iface.SecureConn, error) {
	return secureConn{conn, s.remote}, nil
}

type secureConn struct {
	iface.LayerConn
	remote peer.ID
}

func (c secureConn) RemotePeer() peer.ID { return c.remote }

// acceptAndUpgrade runs the responder side of a handshake directly against
// raw (bypassing a real Listener, since these tests exercise the dialer in
// isolation) so the dialer's outbound negotiation has a peer to talk to.
func acceptAndUpgrade(raw iface.RawConn, remote peer.ID) {
	up := upgrade.New(upgrade.Config{
		SecurityTransports: []iface.SecurityAdaptor{noSecurity{remote: "dialing-side"}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	})
	up.UpgradeInbound(context.Background(), raw)
}

func TestDialerCoalescesConcurrentDials(t *testing.T) {
	remote := peer.FromBytes([]byte("server"))
	tr := &fakeTransport{
		remote: remote,
		onDial: func() (iface.RawConn, iface.RawConn) {
			c1, c2 := net.Pipe()
			return c1, c2
		},
	}
	up := upgrade.New(upgrade.Config{
		SecurityTransports: []iface.SecurityAdaptor{noSecurity{remote: remote}},
		StreamMuxers:       []iface.MuxerAdaptor{yamux.NewMuxerAdaptor(yamux.DefaultConfig())},
	})
	manager := NewManager(nil)
	dialer := NewDialer(manager, []iface.Transport{tr}, up, DialerConfig{})

	info := PeerInfo{ID: remote, Addrs: []iface.Multiaddr{fakeAddr{"mem/1"}}}

	const n = 8
	var wg sync.WaitGroup
	results := make([]iface.MuxedConn, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = dialer.Dial(context.Background(), info)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&tr.dialCount); got != 1 {
		t.Fatalf("transport.Dial called %d times, want exactly 1 (coalesced)", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("dial %d returned a different connection than dial 0", i)
		}
	}
	if manager.Len() != 1 {
		t.Fatalf("manager.Len() = %d, want 1", manager.Len())
	}
}

func TestDialerReusesManagerConnection(t *testing.T) {
	remote := peer.FromBytes([]byte("server"))
	tr := &fakeTransport{remote: remote, onDial: func() (iface.RawConn, iface.RawConn) {
		panic("Dial should not be called when the manager already has a connection")
	}}
	up := upgrade.New(upgrade.Config{})
	manager := NewManager(nil)
	manager.Add(remote, &fakeConn{remote: remote})

	dialer := NewDialer(manager, []iface.Transport{tr}, up, DialerConfig{})
	conn, err := dialer.Dial(context.Background(), PeerInfo{ID: remote})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.RemotePeer() != remote {
		t.Fatalf("got connection for %v, want %v", conn.RemotePeer(), remote)
	}
}
