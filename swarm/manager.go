// Package swarm implements spec.md §4.6-§4.7: the connection manager that
// indexes live muxed connections by remote peer without forming an
// ownership cycle, the coalescing dialer, and the listener that drives
// inbound connections through the upgrader.
package swarm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/libp2p/go-p2pcore/iface"
	"github.com/libp2p/go-p2pcore/peer"
)

// entry pairs a live connection with the manager-assigned serial used to
// identify it by value in the close callback, per spec.md §4.6's "strong
// ownership with guaranteed removal" structure: the manager holds a strong
// reference, but removal is keyed on (peer, serial) rather than a pointer
// captured by the connection, so the callback closure holds no reference
// back to the connection itself and cannot keep it alive past its own
// Close().
type entry struct {
	conn   iface.MuxedConn
	serial uint64
}

// Manager indexes live MuxedConns by remote PeerId (spec.md §4.6). It never
// holds the only reference keeping a connection alive forever: every
// connection registered here had its close callback wired to call
// Manager.remove, so a peer that closes all its connections cannot make the
// manager retain memory indefinitely (the concern test_yamux_leaks.cpp
// was written against).
type Manager struct {
	mu         sync.Mutex
	byPeer     map[peer.ID][]entry
	nextSerial uint64

	liveConns   prometheus.Gauge
	liveStreams prometheus.Gauge
}

// NewManager returns an empty Manager. reg may be nil to skip metrics
// registration (e.g. in tests that construct many managers).
func NewManager(reg prometheus.Registerer) *Manager {
	m := &Manager{
		byPeer: make(map[peer.ID][]entry),
		liveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pcore",
			Subsystem: "swarm",
			Name:      "live_connections",
			Help:      "Number of muxed connections currently registered with the connection manager.",
		}),
		liveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pcore",
			Subsystem: "swarm",
			Name:      "live_streams",
			Help:      "Number of streams opened through connections tracked by the connection manager.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.liveConns, m.liveStreams)
	}
	return m
}

// Add registers conn under remote peer id, idempotent on duplicates
// (spec.md §4.6 "add(peer_id, conn): insert; idempotent on duplicates").
// It wires conn's close callback to remove this exact entry, satisfying
// the "strong ownership with guaranteed removal" contract.
func (m *Manager) Add(id peer.ID, conn iface.MuxedConn) {
	m.mu.Lock()
	for _, e := range m.byPeer[id] {
		if e.conn == conn {
			m.mu.Unlock()
			return
		}
	}
	m.nextSerial++
	serial := m.nextSerial
	m.byPeer[id] = append(m.byPeer[id], entry{conn: conn, serial: serial})
	m.mu.Unlock()

	m.liveConns.Inc()
	conn.SetCloseCallback(func() {
		m.remove(id, serial)
	})
}

// remove implements spec.md §4.6's on_connection_closed: it removes the one
// connection identified by (id, serial) and, if the peer's set becomes
// empty, drops the peer entry entirely. It is safe to call multiple times
// (idempotent close, spec.md §7).
func (m *Manager) remove(id peer.ID, serial uint64) {
	m.mu.Lock()
	entries := m.byPeer[id]
	for i, e := range entries {
		if e.serial == serial {
			m.byPeer[id] = append(entries[:i], entries[i+1:]...)
			if len(m.byPeer[id]) == 0 {
				delete(m.byPeer, id)
			}
			m.mu.Unlock()
			m.liveConns.Dec()
			return
		}
	}
	m.mu.Unlock()
}

// GetBest returns a live connection to id, or ok=false if none exist.
//
// Open question resolution (spec.md §9, §4.6 "preference order is
// implementation-defined"): this manager prefers the most recently added
// live connection, on the theory that a freshly (re)established connection
// is more likely to reflect current network conditions than one that has
// been sitting idle; ties within that are broken by insertion order, which
// falls out naturally from appending to the slice.
func (m *Manager) GetBest(id peer.ID) (iface.MuxedConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byPeer[id]
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].conn.IsClosed() {
			return entries[i].conn, true
		}
	}
	return nil, false
}

// CloseAll initiates close on every connection registered for id (spec.md
// §4.6). It does not wait for the close callbacks to finish running.
func (m *Manager) CloseAll(id peer.ID) {
	m.mu.Lock()
	entries := append([]entry(nil), m.byPeer[id]...)
	m.mu.Unlock()
	for _, e := range entries {
		e.conn.Close()
	}
}

// Len returns the number of distinct peers with at least one live
// connection, for tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPeer)
}

// NoteStreamOpened/NoteStreamClosed adjust the live-stream gauge; swarm's
// Listener calls these around each inbound stream it accepts and
// dispatches. Outbound streams opened through NewStream are not counted.
func (m *Manager) NoteStreamOpened() { m.liveStreams.Inc() }
func (m *Manager) NoteStreamClosed() { m.liveStreams.Dec() }
