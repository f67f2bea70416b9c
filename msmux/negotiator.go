package msmux

import (
	"bufio"
	"fmt"
	"io"
)

// state is the shared negotiation state machine of spec.md §4.4:
// WaitHeader → WaitProtocol → Done | Failed.
type state uint8

const (
	stateWaitHeader state = iota
	stateWaitProtocol
	stateDone
	stateFailed
)

// session threads the negotiation state machine through one handshake,
// shared by the initiator and responder implementations below.
type session struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	budget int
	st     state
}

func newSession(rw io.ReadWriter) *session {
	return &session{rw: rw, br: bufio.NewReader(rw), budget: defaultSessionCap, st: stateWaitHeader}
}

func (s *session) fail(err error) error {
	s.st = stateFailed
	return err
}

// exchangeHeader performs the opening handshake both roles run first:
// send our header line while reading and validating the peer's. The write
// runs in its own goroutine so that two peers sending their headers at the
// same time over an unbuffered pipe (such as net.Pipe) do not block each
// other. On a read failure or a header mismatch it returns without waiting
// for that write to finish.
func (s *session) exchangeHeader() error {
	if s.st != stateWaitHeader {
		return s.fail(fmt.Errorf("%w: header exchange out of order", ErrNegotiationFailed))
	}
	writeErr := make(chan error, 1)
	go func() { writeErr <- writeMessage(s.rw, Header) }()
	got, err := readMessage(s.br, &s.budget)
	if err != nil {
		return s.fail(err)
	}
	if got != Header {
		return s.fail(fmt.Errorf("%w: got %q", ErrProtocolMismatch, got))
	}
	if err := <-writeErr; err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
	s.st = stateWaitProtocol
	return nil
}

// NegotiateOutbound runs the initiator side of single-protocol negotiation
// (spec.md §4.4): propose candidates in order until one is accepted, or
// fail once the list is exhausted.
func NegotiateOutbound(rw io.ReadWriter, candidates []string) (string, error) {
	s := newSession(rw)
	if err := s.exchangeHeader(); err != nil {
		return "", err
	}

	for _, candidate := range candidates {
		if err := writeMessage(s.rw, candidate); err != nil {
			return "", s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		}
		reply, err := readMessage(s.br, &s.budget)
		if err != nil {
			return "", s.fail(err)
		}
		switch reply {
		case candidate:
			s.st = stateDone
			return candidate, nil
		case naLine:
			continue
		default:
			return "", s.fail(fmt.Errorf("%w: unexpected reply %q", ErrNegotiationFailed, reply))
		}
	}
	return "", s.fail(fmt.Errorf("%w: peer rejected all %d candidates", ErrNegotiationFailed, len(candidates)))
}

// ListProtocols runs the initiator side of the "ls" exchange: after the
// opening handshake, ask the responder to list every protocol it supports
// (NegotiateInbound's `proposal == lsLine` branch answers this with
// writeProtocolsMsg) instead of proposing one candidate name at a time.
func ListProtocols(rw io.ReadWriter) ([]string, error) {
	s := newSession(rw)
	if err := s.exchangeHeader(); err != nil {
		return nil, err
	}
	if err := writeMessage(s.rw, lsLine); err != nil {
		return nil, s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
	protocols, err := readProtocolsReply(s.br, &s.budget)
	if err != nil {
		return nil, s.fail(err)
	}
	s.st = stateDone
	return protocols, nil
}

// SupportChecker answers whether a proposed protocol string is one the
// responder is willing to speak, and is satisfied by *Router.
type SupportChecker interface {
	Supports(protocol string) bool
	Protocols() []string
}

// NegotiateInbound runs the responder side (spec.md §4.4): exchange
// headers, then loop over inbound proposals until one is accepted.
func NegotiateInbound(rw io.ReadWriter, supported SupportChecker) (string, error) {
	s := newSession(rw)
	if err := s.exchangeHeader(); err != nil {
		return "", err
	}

	for {
		proposal, err := readMessage(s.br, &s.budget)
		if err != nil {
			return "", s.fail(err)
		}
		switch {
		case proposal == lsLine:
			if err := writeProtocolsMsg(s.rw, supported.Protocols()); err != nil {
				return "", s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
			}
		case supported.Supports(proposal):
			if err := writeMessage(s.rw, proposal); err != nil {
				return "", s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
			}
			s.st = stateDone
			return proposal, nil
		default:
			if err := writeMessage(s.rw, naLine); err != nil {
				return "", s.fail(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
			}
		}
	}
}

// NegotiateMultiOutbound is the multi-candidate generalization used at
// connection-establishment time for security/muxer selection (spec.md
// §4.4 "Multi-candidate selection"): the initiator proposes its ordered
// preference list, one at a time, until the responder accepts one.
func NegotiateMultiOutbound(rw io.ReadWriter, preferences []string) (string, error) {
	return NegotiateOutbound(rw, preferences)
}

// NegotiateMultiInbound picks the first of the responder's supported
// adaptors that appears in the initiator's proposal stream; it is
// NegotiateInbound under a name that matches how the upgrader calls it for
// security/muxer selection.
func NegotiateMultiInbound(rw io.ReadWriter, supported SupportChecker) (string, error) {
	return NegotiateInbound(rw, supported)
}
