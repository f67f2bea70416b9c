package swarm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/peer"
	"github.com/libp2p/go-p2pcore/upgrade"
)

// PeerInfo is the minimal addressing info the dialer needs (spec.md §4.7
// "dial(peer_info)").
type PeerInfo struct {
	ID    peer.ID
	Addrs []iface.Multiaddr
}

// DialerConfig controls per-attempt and overall dial timeouts.
type DialerConfig struct {
	PerAttemptTimeout time.Duration
	OverallTimeout    time.Duration
}

func (c DialerConfig) perAttempt() time.Duration {
	if c.PerAttemptTimeout > 0 {
		return c.PerAttemptTimeout
	}
	return 10 * time.Second
}

func (c DialerConfig) overall() time.Duration {
	if c.OverallTimeout > 0 {
		return c.OverallTimeout
	}
	return 30 * time.Second
}

// Dialer implements spec.md §4.7: manager-first lookup, first-successful-
// transport-wins dialing, and singleflight coalescing of concurrent dials
// to the same peer.
type Dialer struct {
	manager    *Manager
	transports []iface.Transport
	upgrader   *upgrade.Upgrader
	cfg        DialerConfig

	group singleflight.Group
}

// NewDialer builds a Dialer. For each address, every transport that
// reports CanDial is tried in order until a dial and upgrade succeed.
func NewDialer(manager *Manager, transports []iface.Transport, upgrader *upgrade.Upgrader, cfg DialerConfig) *Dialer {
	return &Dialer{manager: manager, transports: transports, upgrader: upgrader, cfg: cfg}
}

// Dial returns a live muxed connection to info.ID, reusing one already
// registered with the manager if present, otherwise attempting each
// address in order and coalescing concurrent callers for the same peer.
func (d *Dialer) Dial(ctx context.Context, info PeerInfo) (iface.MuxedConn, error) {
	if conn, ok := d.manager.GetBest(info.ID); ok {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.overall())
	defer cancel()

	key := string(info.ID)
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.dialOnce(ctx, info)
	})
	if err != nil {
		return nil, err
	}
	return v.(iface.MuxedConn), nil
}

func (d *Dialer) dialOnce(ctx context.Context, info PeerInfo) (iface.MuxedConn, error) {
	// A second check inside the singleflight critical section: another
	// coalesced caller's dial may have just finished and registered with
	// the manager while we were waiting to enter Do.
	if conn, ok := d.manager.GetBest(info.ID); ok {
		return conn, nil
	}

	var lastErr error
	for _, addr := range info.Addrs {
		for _, tr := range d.transports {
			if !tr.CanDial(addr) {
				continue
			}
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.perAttempt())
			raw, err := tr.Dial(attemptCtx, addr)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			conn, err := d.upgrader.UpgradeOutbound(ctx, raw, info.ID)
			if err != nil {
				raw.Close()
				lastErr = err
				continue
			}
			d.manager.Add(info.ID, conn)
			return conn, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("swarm: no transport in %d could dial any of %d addresses for peer", len(d.transports), len(info.Addrs))
	}
	return nil, lastErr
}
