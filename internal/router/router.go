// Package router demultiplexes kernel events by correlation token.
//
// An event whose token (or a parent of its token) belongs to a pending
// submission goes to that submission's listener. An event for a submission
// that already settled is dropped. Anything else is a deferred event and is
// broadcast to every subscribed deferred sink at the moment it arrives.
package router

import (
	"errors"
	"fmt"
	"sync"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/logging"
)

// ErrTokenInUse is returned when a token is registered twice while pending.
var ErrTokenInUse = errors.New("token already has a pending listener")

// Listener receives the events correlated to one submission.
type Listener func(contracts.KernelEventEnvelope)

// Sink receives deferred events.
type Sink func(contracts.KernelEventEnvelope)

// DefaultTombstones bounds how many settled tokens are remembered.
const DefaultTombstones = 1024

// Router is safe for concurrent use. Dispatch calls are serialized so that
// listeners observe events in arrival order.
type Router struct {
	mu        sync.Mutex
	listeners map[string]Listener
	sinks     []*sinkEntry
	nextSink  uint64

	tombstones     map[string]struct{}
	tombstoneOrder []string
	maxTombstones  int

	deferredPrefix string

	dispatchMu sync.Mutex
}

type sinkEntry struct {
	id   uint64
	sink Sink
}

// Option configures a Router.
type Option func(*Router)

// WithDeferredPrefix sets the prefix of kernel-originated tokens.
func WithDeferredPrefix(prefix string) Option {
	return func(r *Router) { r.deferredPrefix = prefix }
}

// WithTombstones sets how many settled tokens are remembered. Values < 1 use
// DefaultTombstones.
func WithTombstones(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxTombstones = n
		}
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		listeners:      make(map[string]Listener),
		tombstones:     make(map[string]struct{}),
		maxTombstones:  DefaultTombstones,
		deferredPrefix: contracts.DefaultDeferredPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the listener for a pending submission token.
func (r *Router) Register(token string, l Listener) error {
	if token == "" {
		return fmt.Errorf("register: empty token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[token]; ok {
		return fmt.Errorf("register %q: %w", token, ErrTokenInUse)
	}
	// A settled token may be reused; the live listener shadows its tombstone.
	r.listeners[token] = l
	return nil
}

// Unregister removes the listener for token and remembers the token as
// settled. It returns false if no listener was registered; only the caller
// that gets true may settle the submission.
func (r *Router) Unregister(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[token]; !ok {
		return false
	}
	delete(r.listeners, token)
	r.tombstoneLocked(token)
	return true
}

// IsPending reports whether token has a registered listener.
func (r *Router) IsPending(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[token]
	return ok
}

// Pending returns the number of registered listeners.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Subscribe adds a deferred sink. The returned func removes it.
func (r *Router) Subscribe(s Sink) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSink++
	id := r.nextSink
	r.sinks = append(r.sinks, &sinkEntry{id: id, sink: s})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.sinks {
				if e.id == id {
					r.sinks = append(r.sinks[:i:i], r.sinks[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch routes one event.
func (r *Router) Dispatch(ev contracts.KernelEventEnvelope) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	l, sinks, dropped := r.resolve(ev.Token)
	switch {
	case l != nil:
		l(ev)
	case dropped:
		logging.RouterDebug("dropping %s for settled token %q", ev.EventType, ev.Token)
	default:
		if !contracts.IsDeferredToken(ev.Token, r.deferredPrefix) {
			logging.RouterDebug("no listener for token %q; treating %s as deferred", ev.Token, ev.EventType)
		}
		for _, s := range sinks {
			s(ev)
		}
	}
}

// resolve finds the listener for token, or reports the token as settled, or
// returns the current deferred sinks.
func (r *Router) resolve(token string) (Listener, []Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listeners[token]; ok {
		return l, nil, false
	}
	if _, ok := r.tombstones[token]; ok {
		return nil, nil, true
	}
	for _, parent := range contracts.ParentTokens(token) {
		if l, ok := r.listeners[parent]; ok {
			return l, nil, false
		}
		if _, ok := r.tombstones[parent]; ok {
			return nil, nil, true
		}
	}

	sinks := make([]Sink, len(r.sinks))
	for i, e := range r.sinks {
		sinks[i] = e.sink
	}
	return nil, sinks, false
}

func (r *Router) tombstoneLocked(token string) {
	if _, ok := r.tombstones[token]; ok {
		return
	}
	r.tombstones[token] = struct{}{}
	r.tombstoneOrder = append(r.tombstoneOrder, token)
	for len(r.tombstoneOrder) > r.maxTombstones {
		oldest := r.tombstoneOrder[0]
		r.tombstoneOrder = r.tombstoneOrder[1:]
		delete(r.tombstones, oldest)
	}
}
