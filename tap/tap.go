// Package tap implements the observation broker from spec.md's
// supplemented tap feature: any number of subscribers can register
// interest in live traffic and receive request-open, response-open,
// body-data, and body-eos events, without the proxied request path
// paying for any subscriber-side work beyond a non-blocking send.
//
// Grounded on cache-manager/subscriptions.go's Subscribe/Handler
// wiring and pkg/pubsub/events.go's versioned event-struct shape,
// adapted from "one event type per pubsub topic" to "one broker
// fanning out four event kinds to per-subscriber channels." The
// original's tap daemon holds subscriptions via weak references so a
// dead client is forgotten without an explicit unsubscribe; Go has no
// ambient weak pointer before runtime.AddCleanup, so this package
// requires callers to invoke the Unsubscribe function Register
// returns instead.
package tap

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates which phase of a tapped request an Event
// describes.
type EventKind int

const (
	RequestOpen EventKind = iota
	ResponseOpen
	BodyData
	BodyEOS
)

// Event is one observation of live traffic, identified by the ID its
// RequestOpen event carries so a subscriber can correlate the full
// lifecycle of one request.
type Event struct {
	ID        string
	Kind      EventKind
	Timestamp time.Time

	Method     string
	Path       string
	StatusCode int
	Bytes      int
	Err        error
}

type registration struct {
	ch     chan Event
	closed bool
}

// Broker fans out tap events to every currently registered subscriber.
// A subscriber whose channel is full has that event dropped (tap is
// best-effort observability, never a back-pressure source for the
// proxied request), matching spec.md's "tap must never slow the data
// plane" constraint.
type Broker struct {
	mu            sync.Mutex
	subscriptions map[int]*registration
	nextID        int
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscriptions: make(map[int]*registration)}
}

// Register adds a subscriber and returns its event channel plus an
// Unsubscribe function; callers must invoke Unsubscribe when done
// watching, since this broker has no ambient liveness detection.
func (b *Broker) Register(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := &registration{ch: make(chan Event, buffer)}
	id := b.nextID
	b.nextID++
	b.subscriptions[id] = reg

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscriptions[id]; ok && !existing.closed {
			existing.closed = true
			close(existing.ch)
			delete(b.subscriptions, id)
		}
	}
	return reg.ch, unsubscribe
}

// Publish fans event out to every live subscriber, dropping it for
// any subscriber whose buffer is currently full.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reg := range b.subscriptions {
		if reg.closed {
			continue
		}
		select {
		case reg.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// NewRequestID mints a tap correlation ID.
func NewRequestID() string { return uuid.New().String() }

// RequestOpened publishes a RequestOpen event for req, returning the
// ID to correlate the rest of the request's lifecycle.
func (b *Broker) RequestOpened(req *http.Request) string {
	id := NewRequestID()
	b.Publish(Event{
		ID:        id,
		Kind:      RequestOpen,
		Timestamp: time.Now(),
		Method:    req.Method,
		Path:      req.URL.Path,
	})
	return id
}

// ResponseOpened publishes a ResponseOpen event for the request
// identified by id.
func (b *Broker) ResponseOpened(id string, statusCode int) {
	b.Publish(Event{ID: id, Kind: ResponseOpen, Timestamp: time.Now(), StatusCode: statusCode})
}

// BodyChunk publishes a BodyData event recording n additional bytes
// transferred for the request identified by id.
func (b *Broker) BodyChunk(id string, n int) {
	b.Publish(Event{ID: id, Kind: BodyData, Timestamp: time.Now(), Bytes: n})
}

// BodyEnded publishes a BodyEOS event for the request identified by
// id, recording a terminal error if the body did not end cleanly.
func (b *Broker) BodyEnded(id string, err error) {
	b.Publish(Event{ID: id, Kind: BodyEOS, Timestamp: time.Now(), Err: err})
}
