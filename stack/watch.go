package stack

import (
	"context"
	"fmt"
	"sync"
)

// WatchError distinguishes a failed rebuild (fatal to the watch
// service) from an inner-service error, per spec.md §4.3.
type WatchError struct {
	FromMake bool
	Err      error
}

func (e *WatchError) Error() string {
	if e.FromMake {
		return fmt.Sprintf("watch: rebuild failed: %v", e.Err)
	}
	return fmt.Sprintf("watch: inner: %v", e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }

// watchService rebuilds its inner Service every time the watched value
// ticks. Per spec.md §4.3: on Ready, it drains all pending updates,
// rebuilds from the *last* observed value, and replaces the inner
// service atomically before polling the new inner's readiness.
type watchService[X any] struct {
	make    Make[X]
	updates <-chan X

	mu      sync.Mutex
	current Service
}

// Watch builds a Service that tracks an external value X via updates,
// rebuilding the inner Service from make whenever X changes. Watch
// takes the initial value directly and builds the first inner Service
// from it, so callers never observe a "no inner yet" state.
func Watch[X any](initial X, updates <-chan X, mk Make[X]) (Service, error) {
	svc, err := mk.MakeService(initial)
	if err != nil {
		return nil, &WatchError{FromMake: true, Err: err}
	}
	return &watchService[X]{make: mk, updates: updates, current: svc}, nil
}

func (w *watchService[X]) Ready(ctx context.Context) error {
	w.mu.Lock()
	var last X
	gotUpdate := false
drain:
	for {
		select {
		case v, ok := <-w.updates:
			if !ok {
				break drain
			}
			last = v
			gotUpdate = true
		default:
			break drain
		}
	}
	if gotUpdate {
		svc, err := w.make.MakeService(last)
		if err != nil {
			w.mu.Unlock()
			return &WatchError{FromMake: true, Err: err}
		}
		w.current = svc
	}
	current := w.current
	w.mu.Unlock()

	if err := current.Ready(ctx); err != nil {
		return &WatchError{FromMake: false, Err: err}
	}
	return nil
}

func (w *watchService[X]) Serve(ctx context.Context, req Request) (Response, error) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	resp, err := current.Serve(ctx, req)
	if err != nil {
		return nil, &WatchError{FromMake: false, Err: err}
	}
	return resp, nil
}
