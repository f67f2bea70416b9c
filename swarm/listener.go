package swarm

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/msmux"
	"github.com/libp2p/go-p2pcore/upgrade"
)

// Listener implements spec.md §4.7's listen side: bind the chosen
// transport, run the upgrader in inbound mode on every accepted raw
// connection, register the result with the manager, and negotiate every
// inbound stream against a shared protocol Router.
type Listener struct {
	inner    iface.Listener
	manager  *Manager
	upgrader *upgrade.Upgrader
	router   *msmux.Router
}

// NewListener wraps inner, the concrete Transport's listener, with the
// upgrade+registration+stream-routing pipeline.
func NewListener(inner iface.Listener, manager *Manager, upgrader *upgrade.Upgrader, router *msmux.Router) *Listener {
	return &Listener{inner: inner, manager: manager, upgrader: upgrader, router: router}
}

// Serve accepts connections until Accept returns an error (for example
// after Close), upgrading and registering each one in its own goroutine of
// a shared errgroup so a slow or stalled handshake never blocks subsequent
// accepts. ctx is consulted only once Accept fails: if it is done, Serve
// waits for the in-flight connection handlers and returns nil; otherwise it
// waits for them and returns Accept's error. Upgrade failures are logged;
// the handler goroutines never report an error to the group.
func (l *Listener) Serve(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for {
		raw, err := l.inner.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return group.Wait()
			default:
				group.Wait()
				return err
			}
		}
		group.Go(func() error {
			l.handleConn(gctx, raw)
			return nil
		})
	}
}

func (l *Listener) handleConn(ctx context.Context, raw iface.RawConn) {
	conn, err := l.upgrader.UpgradeInbound(ctx, raw)
	if err != nil {
		log.Printf("swarm: inbound upgrade failed: %v", err)
		raw.Close()
		return
	}
	l.manager.Add(conn.RemotePeer(), conn)
	l.acceptStreams(conn)
}

// acceptStreams installs the new-stream side of application protocol
// negotiation (spec.md §4.7 "install an on_stream handler that runs the
// negotiator against the router's protocol table for each inbound
// stream").
func (l *Listener) acceptStreams(conn iface.MuxedConn) {
	for {
		st, err := conn.AcceptStream()
		if err != nil {
			return
		}
		l.manager.NoteStreamOpened()
		go l.negotiateAndDispatch(st)
	}
}

func (l *Listener) negotiateAndDispatch(st iface.MuxedStream) {
	defer l.manager.NoteStreamClosed()
	protocol, err := msmux.NegotiateInbound(st, l.router)
	if err != nil {
		st.Reset()
		return
	}
	l.router.Dispatch(protocol, st)
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.inner.Close() }

// Addr returns the bound address.
func (l *Listener) Addr() iface.Multiaddr { return l.inner.Addr() }

// NewStream implements spec.md §4.7's "Application protocol negotiation":
// new_stream(peer_id, protocol): dial if needed, open a muxed stream, run
// the single-protocol negotiator as initiator, and return the negotiated
// stream to the caller.
func NewStream(ctx context.Context, dialer *Dialer, info PeerInfo, protocol string) (iface.MuxedStream, error) {
	conn, err := dialer.Dial(ctx, info)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := msmux.NegotiateOutbound(st, []string{protocol}); err != nil {
		st.Reset()
		return nil, err
	}
	return st, nil
}
