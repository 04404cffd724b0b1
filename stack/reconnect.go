package stack

import (
	"context"
	"sync"
	"sync/atomic"

	"encore.app/telemetry"
)

// reconnectService wraps a Make[T] as a long-lived Service that
// rebuilds its inner Service from scratch whenever the inner Ready
// call fails (spec.md §4.3). Consecutive connect failures are
// debounced in the log: the first is WARN, the rest DEBUG, until a
// Ready succeeds again.
type reconnectService[T any] struct {
	make   Make[T]
	target T

	mu      sync.Mutex
	inner   Service
	failing atomic.Bool // true once the first failure of a run has been logged
}

// Reconnect builds a self-healing Service around make/target. On
// construction the inner Service is built eagerly; a later connect
// failure surfaced by the inner's Ready rebuilds it from the same
// make/target (never during normal, already-ready operation) and
// returns the failure to the caller so it can decide whether to retry
// immediately or back off.
func Reconnect[T any](mk Make[T], target T) (Service, error) {
	svc, err := mk.MakeService(target)
	if err != nil {
		return nil, &MakeError{Err: err}
	}
	return &reconnectService[T]{make: mk, target: target, inner: svc}, nil
}

func (r *reconnectService[T]) Ready(ctx context.Context) error {
	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()

	err := inner.Ready(ctx)
	if err == nil {
		r.failing.Store(false)
		return nil
	}

	if r.failing.CompareAndSwap(false, true) {
		telemetry.Logf(ctx, telemetry.LevelWarn, "reconnect: connect failed, rebuilding: %v", err)
	} else {
		telemetry.Logf(ctx, telemetry.LevelDebug, "reconnect: connect failed, rebuilding: %v", err)
	}

	rebuilt, buildErr := r.make.MakeService(r.target)
	if buildErr != nil {
		return &MakeError{Err: buildErr}
	}

	r.mu.Lock()
	r.inner = rebuilt
	r.mu.Unlock()

	// The caller observes NotReady-as-error for this poll and decides
	// whether to retry; the freshly rebuilt inner is polled on the
	// caller's next Ready call, per spec.md §4.3.
	return err
}

func (r *reconnectService[T]) Serve(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()
	return inner.Serve(ctx, req)
}
