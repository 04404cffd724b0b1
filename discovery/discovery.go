// Package discovery implements the shared, fan-out discovery feed
// described in spec.md §4.4: one upstream resolution per watched name,
// broadcast as a tagged Insert/Remove update stream to any number of
// subscribers, each getting the current snapshot primed in before any
// update they weren't already caught up on.
//
// Grounded on cache-manager/subscriptions.go's pubsub Subscribe/Handle
// wiring and pkg/pubsub/events.go's versioned, tagged event shape
// (InvalidationEvent/RefreshEvent), generalized here to a single
// Update[K, V] sum type and driven by an in-process fan-out instead of
// an Encore pubsub round-trip (the pubsub round-trip itself lives one
// layer up, in discoveryfeed, which calls Shared.Apply from the wire).
package discovery

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kind discriminates an Update's variant.
type Kind int

const (
	Insert Kind = iota
	Remove
)

// Update is a tagged add/remove notification for one K/V pair, mirroring
// the reference event types' Version+typed-payload shape but collapsed
// to the two variants a discovery feed actually needs.
type Update[K comparable, V any] struct {
	Kind  Kind
	Key   K
	Value V // zero for Remove
}

// Snapshot is a point-in-time view of everything currently known.
type Snapshot[K comparable, V any] map[K]V

// subscriber is one consumer's update channel plus the buffer it reads
// from; sends that would block are dropped and the subscriber pruned,
// per spec.md §4.4 ("a slow subscriber must not stall the driver").
type subscriber[K comparable, V any] struct {
	ch     chan Update[K, V]
	closed bool
}

// Shared fans one upstream resolution out to many subscribers, keeping
// a primed snapshot so a subscriber that joins late sees the current
// state before any update it missed.
type Shared[K comparable, V any] struct {
	mu          sync.Mutex
	state       Snapshot[K, V]
	subscribers map[int]*subscriber[K, V]
	nextID      int
}

// NewShared builds an empty Shared feed.
func NewShared[K comparable, V any]() *Shared[K, V] {
	return &Shared[K, V]{
		state:       make(Snapshot[K, V]),
		subscribers: make(map[int]*subscriber[K, V]),
	}
}

// Subscribe registers a new subscriber and returns its channel primed
// with synthetic Insert updates for everything already known, plus an
// unsubscribe function. The priming happens under the same lock as
// registration so no concurrent Apply can be observed twice (once via
// priming, once via live delivery) or missed entirely.
//
// Priming uses the same non-blocking-send-or-prune discipline as
// Apply: a subscriber whose buffer is smaller than the current
// snapshot (or an unbuffered one, buffer == 0, subscribing to any
// non-empty state) must not be able to block the caller — here,
// Subscribe itself, still holding s.mu — let alone the driver calling
// Apply later. A subscriber that can't take its own priming snapshot
// is pruned before it is ever handed back to the caller.
func (s *Shared[K, V]) Subscribe(buffer int) (<-chan Update[K, V], func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Update[K, V], buffer)
	sub := &subscriber[K, V]{ch: ch}
	for k, v := range s.state {
		select {
		case ch <- (Update[K, V]{Kind: Insert, Key: k, Value: v}):
		default:
			sub.closed = true
			close(ch)
		}
		if sub.closed {
			break
		}
	}

	// A subscriber that couldn't even take its priming snapshot is
	// already dead; don't register it, or it would sit in
	// s.subscribers forever (Apply skips closed subscribers but only
	// Unsubscribe/its own full-buffer prune ever removes them).
	if sub.closed {
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subscribers[id] = sub

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok && !existing.closed {
			existing.closed = true
			close(existing.ch)
			delete(s.subscribers, id)
		}
	}
	return ch, unsubscribe
}

// Apply merges an upstream update into the shared state and broadcasts
// it to every live subscriber. A subscriber whose buffer is full is
// pruned rather than blocking the caller.
func (s *Shared[K, V]) Apply(update Update[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch update.Kind {
	case Insert:
		s.state[update.Key] = update.Value
	case Remove:
		delete(s.state, update.Key)
	}

	for id, sub := range s.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			sub.closed = true
			close(sub.ch)
			delete(s.subscribers, id)
		}
	}
}

// Snapshot returns a copy of everything currently known.
func (s *Shared[K, V]) Snapshot() Snapshot[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Snapshot[K, V], len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Source is an upstream feed of updates for one key, e.g. a DNS
// poller, a gRPC destination stream, or (see discoveryfeed) an Encore
// pubsub subscription.
type Source[K comparable, V any] interface {
	Run(ctx context.Context, apply func(Update[K, V])) error
}

// Driver runs one or more Sources concurrently and applies everything
// they produce to a Shared feed, stopping all of them if any one
// returns an error (errgroup's standard first-error-cancels-the-rest
// behavior), per spec.md §4.4's "the driver's lifetime is the lifetime
// of the whole discovery subsystem."
type Driver[K comparable, V any] struct {
	shared  *Shared[K, V]
	sources []Source[K, V]
}

// NewDriver builds a Driver over the given Shared feed and sources.
func NewDriver[K comparable, V any](shared *Shared[K, V], sources ...Source[K, V]) *Driver[K, V] {
	return &Driver[K, V]{shared: shared, sources: sources}
}

// Run starts every source and blocks until ctx is done or any source
// returns an error, at which point the rest are canceled too.
func (d *Driver[K, V]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range d.sources {
		src := src
		g.Go(func() error {
			return src.Run(ctx, d.shared.Apply)
		})
	}
	return g.Wait()
}
