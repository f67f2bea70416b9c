package yamux

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"lukechampine.com/frand"

	"github.com/libp2p/go-p2pcore/peer"
)

// newTestingPair wires two Sessions over an in-memory net.Pipe, mirroring
// the teacher's newTestingPair helper (v3/mux_test.go).
func newTestingPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 0
	a := NewSession(c1, cfg, true, peer.Empty)
	b := NewSession(c2, cfg, false, peer.Empty)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestPingPong(t *testing.T) {
	a, b := newTestingPair(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st, err := b.AcceptStream()
		if err != nil {
			t.Errorf("AcceptStream: %v", err)
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(st, buf); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if string(buf) != "ping" {
			t.Errorf("got %q, want ping", buf)
		}
		if _, err := st.Write([]byte("pong")); err != nil {
			t.Errorf("write: %v", err)
		}
		st.Close()
	}()

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := st.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(st, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want pong", buf)
	}
	st.Close()
	wg.Wait()
}

// TestManyStreams opens several streams concurrently and writes/reads on
// each, exercising the session's single read/write loop fan-out
// (spec.md §8 scenario 2).
func TestManyStreams(t *testing.T) {
	const n = 16
	a, b := newTestingPair(t)

	b.SetNewStreamHandler(func(st *Stream) {
		buf := make([]byte, 1024)
		nr, err := io.ReadFull(st, buf)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if _, err := st.Write(buf[:nr]); err != nil {
			t.Errorf("server write: %v", err)
		}
		st.Close()
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := a.OpenStream(context.Background())
			if err != nil {
				t.Errorf("OpenStream %d: %v", i, err)
				return
			}
			payload := frand.Bytes(1024)
			if _, err := st.Write(payload); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			st.Close()
			got := make([]byte, 1024)
			if _, err := io.ReadFull(st, got); err != nil {
				t.Errorf("read %d: %v", i, err)
				return
			}
			for j := range got {
				if got[j] != payload[j] {
					t.Errorf("stream %d: byte %d mismatch", i, j)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

// TestWindowExhaustion writes exactly the initial window's worth of data
// before the peer reads anything, confirming the writer blocks at the
// window boundary and unblocks once credited (spec.md §8 scenario 3).
func TestWindowExhaustion(t *testing.T) {
	a, b := newTestingPair(t)

	accepted := make(chan *Stream, 1)
	b.SetNewStreamHandler(func(st *Stream) { accepted <- st })

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	payload := frand.Bytes(DefaultInitialWindow)
	writeDone := make(chan error, 1)
	go func() {
		_, err := st.Write(payload)
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("write of exactly the window failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write of exactly the window did not complete")
	}

	// A further write beyond the window must block until the peer reads.
	extra := frand.Bytes(65536)
	blockedDone := make(chan error, 1)
	go func() {
		_, err := st.Write(extra)
		blockedDone <- err
	}()

	select {
	case <-blockedDone:
		t.Fatal("write past the exhausted window returned before peer read")
	case <-time.After(200 * time.Millisecond):
		// expected: still blocked
	}

	peerSt := <-accepted
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(peerSt, buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}

	select {
	case err := <-blockedDone:
		if err != nil {
			t.Fatalf("write after credit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write did not unblock after window credit")
	}
}

// TestResetDuringRead confirms a blocked Read returns ErrReset as soon as
// the peer resets the stream (spec.md §8 scenario 4).
func TestResetDuringRead(t *testing.T) {
	a, b := newTestingPair(t)

	accepted := make(chan *Stream, 1)
	b.SetNewStreamHandler(func(st *Stream) { accepted <- st })

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := st.Read(make([]byte, 16))
		readErr <- err
	}()

	peerSt := <-accepted
	if err := peerSt.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	select {
	case err := <-readErr:
		if err != ErrReset {
			t.Fatalf("got %v, want ErrReset", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read did not observe peer reset")
	}
}

// TestFlowControlViolationResets confirms a peer that sends more DATA than
// the advertised recv_window permits gets reset rather than silently
// accepted, per spec.md §4.2 and the §8.4 recv_window invariant.
func TestFlowControlViolationResets(t *testing.T) {
	a, b := newTestingPair(t)

	accepted := make(chan *Stream, 1)
	b.SetNewStreamHandler(func(st *Stream) { accepted <- st })

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	peerSt := <-accepted

	// Bypass Stream.Write's own flow-control bookkeeping to simulate a
	// misbehaving peer that ignores the window it was credited.
	overflow := frand.Bytes(int(DefaultInitialWindow) + 1)
	if err := a.sendData(st.ID(), 0, overflow); err != nil {
		t.Fatalf("sendData: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := peerSt.Read(make([]byte, 16))
		readErr <- err
	}()

	select {
	case err := <-readErr:
		if err != ErrReset {
			t.Fatalf("got %v, want ErrReset", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("window-violating stream was not reset")
	}
}

// TestWriteAfterStreamClose confirms Write fails once FIN has been sent
// locally, mirroring the teacher's test of the same name.
func TestWriteAfterStreamClose(t *testing.T) {
	a, b := newTestingPair(t)
	b.SetNewStreamHandler(func(st *Stream) {
		io.Copy(io.Discard, st)
	})

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.Write([]byte("x")); err != ErrNotWritable {
		t.Fatalf("got %v, want ErrNotWritable", err)
	}
}

// TestGoAwayDrainsOpenStreams confirms the session stays alive for streams
// opened before GO_AWAY and closes once they finish (spec.md §4.3).
func TestGoAwayDrainsOpenStreams(t *testing.T) {
	a, b := newTestingPair(t)

	accepted := make(chan *Stream, 1)
	b.SetNewStreamHandler(func(st *Stream) { accepted <- st })

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	peerSt := <-accepted

	if err := b.sendGoAway(goAwayNormal); err != nil {
		t.Fatalf("sendGoAway: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if a.IsClosed() {
		t.Fatal("session closed before its only stream finished")
	}

	st.Close()
	peerSt.Close()

	deadline := time.After(5 * time.Second)
	for !a.IsClosed() {
		select {
		case <-deadline:
			t.Fatal("session did not close after draining last stream")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReentrantReadRejected(t *testing.T) {
	a, b := newTestingPair(t)
	b.SetNewStreamHandler(func(st *Stream) {})

	st, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	go st.Read(make([]byte, 1))
	time.Sleep(50 * time.Millisecond)
	if _, err := st.Read(make([]byte, 1)); err != ErrIsReading {
		t.Fatalf("got %v, want ErrIsReading", err)
	}
}
