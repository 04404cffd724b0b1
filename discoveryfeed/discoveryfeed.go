// Package discoveryfeed wires encore.dev/pubsub as a concrete upstream
// discovery.Source: endpoint Insert/Remove events published by
// whatever owns service discovery elsewhere in the deployment (a
// separate control-plane service, a migration job, an operator tool)
// land here and are applied to the shared discovery feed this service
// exposes.
//
// This package only ever transports endpoint metadata (an address),
// never a built stack.Service: the Metadata->Make->Service
// translation spec.md §4.5 describes belongs to balancer.Discover, a
// shared adapter any discovery.Source-backed feed can run its raw
// updates through, rather than each source hand-rolling its own
// MakeService call.
//
// Grounded on cache-manager/subscriptions.go's topic/subscription
// wiring and pkg/pubsub/topics.go's named-topic-constants convention;
// EndpointEvent mirrors pkg/pubsub/events.go's versioned envelope
// (Version + typed payload + RequestID for tracing).
package discoveryfeed

import (
	"context"
	"sync"
	"time"

	"encore.dev/pubsub"

	"encore.app/discovery"
)

// Topic name constants for the endpoint discovery pub/sub channel.
const (
	TopicEndpointChanged = "discovery.endpoint.changed"
)

// EndpointEventVersion1 is the current schema version for EndpointEvent.
const EndpointEventVersion1 = 1

// EndpointEvent is the wire shape for one Insert or Remove
// notification about an endpoint address.
type EndpointEvent struct {
	Version     int       `json:"version"`
	Kind        string    `json:"kind"` // "insert" | "remove"
	Address     string    `json:"address"`
	Weight      int       `json:"weight,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	RequestID   string    `json:"request_id"`
}

// EndpointTopic is the Encore pub/sub topic endpoint-change events are
// published to by whatever owns discovery upstream of this service.
var EndpointTopic = pubsub.NewTopic[*EndpointEvent](
	TopicEndpointChanged,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

// Service owns the in-process discovery.Shared feed of raw endpoint
// metadata (here, just the address itself) this deployment's
// balancer(s) and prewarmer subscribe to via balancer.Discover, fed
// from the EndpointTopic subscription below.
//encore:service
type Service struct {
	shared *discovery.Shared[string, string]
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	once.Do(func() {
		svc = &Service{
			shared: discovery.NewShared[string, string](),
		}
	})
	return svc, nil
}

// Shared exposes the underlying raw-metadata discovery feed. Callers
// that need a stack.Service-bearing stream (balancer.P2C.Watch,
// prewarm.Service.Run) subscribe here and run the result through
// balancer.Discover with their own stack.Make[string] — see
// proxy.Wire for the call sites this repo ships.
func (s *Service) Shared() *discovery.Shared[string, string] {
	return s.shared
}

// NewServiceForTest builds a standalone Service backed by its own
// discovery.Shared feed, independent of the package-level singleton.
// Exported so other packages' tests (proxy.Wire's, in particular) can
// exercise Apply/Shared without reaching into svc's process-wide
// state or depending on initService having run first.
func NewServiceForTest() (*Service, error) {
	return &Service{shared: discovery.NewShared[string, string]()}, nil
}

var _ = pubsub.NewSubscription(
	EndpointTopic,
	"discoveryfeed-apply",
	pubsub.SubscriptionConfig[*EndpointEvent]{
		Handler: HandleEndpointEvent,
	},
)

// HandleEndpointEvent applies an incoming endpoint change to the
// shared discovery feed.
func HandleEndpointEvent(ctx context.Context, event *EndpointEvent) error {
	if svc == nil {
		return nil
	}
	return svc.Apply(event)
}

// Apply applies an incoming endpoint change to this service's shared
// discovery feed. Exposed on Service (rather than only as the
// package-level subscription handler) so tests can exercise the
// Insert/Remove logic without the package-level singleton.
func (s *Service) Apply(event *EndpointEvent) error {
	switch event.Kind {
	case "remove":
		s.shared.Apply(discovery.Update[string, string]{
			Kind: discovery.Remove,
			Key:  event.Address,
		})
		return nil
	case "insert":
		s.shared.Apply(discovery.Update[string, string]{
			Kind:  discovery.Insert,
			Key:   event.Address,
			Value: event.Address,
		})
		return nil
	default:
		return nil
	}
}

// GetSnapshotResponse backs a read-only introspection endpoint for the
// current known endpoint set.
type GetSnapshotResponse struct {
	Addresses []string `json:"addresses"`
}

// GetSnapshot returns the addresses currently known to the discovery
// feed.
//
//encore:api public method=GET path=/discovery/snapshot
func GetSnapshot(ctx context.Context) (*GetSnapshotResponse, error) {
	if svc == nil {
		return &GetSnapshotResponse{}, nil
	}
	snap := svc.shared.Snapshot()
	addrs := make([]string, 0, len(snap))
	for addr := range snap {
		addrs = append(addrs, addr)
	}
	return &GetSnapshotResponse{Addresses: addrs}, nil
}
