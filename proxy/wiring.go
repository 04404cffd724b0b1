// Package proxy is the composition root: it assembles the discovery,
// balancer, router, and prewarm packages into the request-handling
// pipeline spec.md §2 describes ("discovery feeds the balancer, the
// balancer's endpoint set backs the services the router caches,
// caller traffic flows router -> stack -> balancer"), and registers
// the result with adminapi for introspection.
//
// This package deliberately does not construct a concrete Recognizer
// or a concrete per-address stack.Make[string] (an HTTP dialer, a
// gRPC dialer, a test double): those are deployment-specific — how a
// target is recognized from a request, and how an address is actually
// dialed, vary per installation and aren't part of the routing core
// itself (spec.md §1 scopes the hard core to the cache, the stack
// algebra, the discovery fan-out, and the balancer adapter, not to any
// one wire protocol's dialer). Wire takes the dialer as a parameter,
// and the Recognizer only through the router the caller already built,
// and does the rest: subscribing to the discovery feed, running it
// through balancer.Discover, starting the balancer and prewarmer
// against the result, and wiring adminapi's introspection endpoints.
// Wire does not connect the router to the balancer; the balancer is
// returned in the Assembly for the caller's own dispatch path.
package proxy

import (
	"context"

	"encore.app/adminapi"
	"encore.app/balancer"
	"encore.app/discoveryfeed"
	"encore.app/prewarm"
	"encore.app/retry"
	"encore.app/router"
	"encore.app/stack"
)

// DefaultSubscribeBuffer is the channel buffer Wire uses for its two
// discovery subscriptions (one feeding the balancer, one feeding the
// prewarmer) when the caller doesn't have a more specific figure.
const DefaultSubscribeBuffer = 256

// DefaultPrewarmConcurrency, DefaultPrewarmRatePerSec and
// DefaultPrewarmBurst are the settings Wire passes to
// prewarm.NewService.
const (
	DefaultPrewarmConcurrency = 4
	DefaultPrewarmRatePerSec  = 50.0
	DefaultPrewarmBurst       = 10
)

// Assembly is everything Wire built and started, so a caller can stop
// it cleanly (Shutdown) or reach into a piece directly (e.g. to call
// Balancer.Pick from a Recognizer-specific dispatch path).
type Assembly struct {
	Balancer *balancer.P2C
	Prewarm  *prewarm.Service

	unsubscribeBalancer func()
	unsubscribePrewarm  func()
}

// Shutdown unsubscribes both of Wire's discovery subscriptions. The
// balancer/prewarm goroutines Wire started exit on their own once ctx
// (passed to Wire) is done; Shutdown only needs to stop reads against
// the now-closing discovery feed promptly rather than waiting for
// those goroutines to notice ctx.Done() on their own schedule.
func (a *Assembly) Shutdown() {
	a.unsubscribeBalancer()
	a.unsubscribePrewarm()
}

// Wire assembles one deployment's discovery -> balancer/prewarm ->
// adminapi pipeline and starts it running in background goroutines
// that exit when ctx is done.
//
// feed is the discoveryfeed.Service instance whose raw-metadata
// Shared() this pipeline subscribes to (twice: once for the balancer,
// once for the prewarmer, since each needs its own independently-
// primed subscription). endpointFactory builds a stack.Service for a
// discovered address — the deployment's concrete dialer.
// routerHandle is whatever router.Router[T] this deployment built for
// its own Recognizer/T; it is only used here for its Stats/CleanupIdle
// methods, passed to adminapi.Configure as both its IdleSweeper and its
// RouterStats.
func Wire[T comparable](
	ctx context.Context,
	feed *discoveryfeed.Service,
	endpointFactory stack.Make[string],
	routerHandle *router.Router[T],
	retryPolicy *retry.Policy,
) (*Assembly, error) {
	balancerMeta, unsubscribeBalancer := feed.Shared().Subscribe(DefaultSubscribeBuffer)
	prewarmMeta, unsubscribePrewarm := feed.Shared().Subscribe(DefaultSubscribeBuffer)

	bal := balancer.NewP2C()
	go bal.Watch(ctx, balancer.Discover[string](ctx, balancerMeta, endpointFactory))

	pw := prewarm.NewService(endpointFactory, DefaultPrewarmConcurrency, DefaultPrewarmRatePerSec, DefaultPrewarmBurst)
	go pw.Run(ctx, balancer.Discover[string](ctx, prewarmMeta, endpointFactory))

	if err := adminapi.Configure(routerHandle, routerHandle, bal, retryPolicy, pw); err != nil {
		unsubscribeBalancer()
		unsubscribePrewarm()
		return nil, err
	}

	return &Assembly{
		Balancer:            bal,
		Prewarm:             pw,
		unsubscribeBalancer: unsubscribeBalancer,
		unsubscribePrewarm:  unsubscribePrewarm,
	}, nil
}
