package msmux

import (
	"sort"
	"strings"
	"sync"

	"github.com/libp2p/go-p2pcore/iface"
)

// Predicate decides whether a bound handler accepts an incoming protocol
// string that already matched its prefix (spec.md §3 "Router").
type Predicate func(protocol string) bool

// ExactMatch is the common predicate: the protocol string must equal the
// registered prefix exactly.
func ExactMatch(prefix string) Predicate {
	return func(protocol string) bool { return protocol == prefix }
}

// Handler is invoked with the negotiated protocol string and the stream
// that was just negotiated on.
type Handler func(protocol string, stream iface.MuxedStream)

type binding struct {
	prefix  string
	match   Predicate
	handler Handler
}

// Router maps protocol-name prefixes (e.g. "/ipfs/id/1.0.0") to a
// (predicate, handler) pair (spec.md §3). It is a flat list of bindings
// scanned linearly on each lookup, not a tree. Lookups are by longest
// matching prefix whose predicate also accepts the full string; it
// implements SupportChecker so it can drive NegotiateInbound directly.
type Router struct {
	mu       sync.RWMutex
	bindings []binding
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// AddHandler registers handler for protocol strings matching prefix and
// accepted by match. A nil match defaults to ExactMatch(prefix).
func (r *Router) AddHandler(prefix string, match Predicate, handler Handler) {
	if match == nil {
		match = ExactMatch(prefix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.bindings {
		if b.prefix == prefix {
			r.bindings[i] = binding{prefix, match, handler}
			return
		}
	}
	r.bindings = append(r.bindings, binding{prefix, match, handler})
}

// RemoveHandler unregisters the handler bound to prefix, if any.
func (r *Router) RemoveHandler(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.bindings {
		if b.prefix == prefix {
			r.bindings = append(r.bindings[:i], r.bindings[i+1:]...)
			return
		}
	}
}

// lookup finds the most specific (longest-prefix) binding matching
// protocol, or ok=false.
func (r *Router) lookup(protocol string) (binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := binding{}
	found := false
	for _, b := range r.bindings {
		if !strings.HasPrefix(protocol, b.prefix) {
			continue
		}
		if !b.match(protocol) {
			continue
		}
		if !found || len(b.prefix) > len(best.prefix) {
			best = b
			found = true
		}
	}
	return best, found
}

// Supports implements SupportChecker.
func (r *Router) Supports(protocol string) bool {
	_, ok := r.lookup(protocol)
	return ok
}

// Protocols implements SupportChecker: it returns the registered prefixes
// sorted for a deterministic "ls" response.
func (r *Router) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.bindings))
	for i, b := range r.bindings {
		out[i] = b.prefix
	}
	sort.Strings(out)
	return out
}

// Dispatch looks up protocol and, if a handler is bound, invokes it with
// stream. It reports whether a handler was found and run.
func (r *Router) Dispatch(protocol string, stream iface.MuxedStream) bool {
	b, ok := r.lookup(protocol)
	if !ok {
		return false
	}
	b.handler(protocol, stream)
	return true
}
