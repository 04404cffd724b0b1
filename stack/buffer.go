package stack

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight is the default in-flight request cap applied by
// Buffer, per spec.md §4.3.
const DefaultMaxInFlight = 10000

// SpawnError means the buffer's dispatcher goroutine could not be
// scheduled (the construction context was already done), per
// spec.md §4.3.
type SpawnError struct{ Err error }

func (e *SpawnError) Error() string { return fmt.Sprintf("stack: buffer: spawn failed: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ErrQueueFull is returned to a caller whose Serve call could not be
// enqueued because the buffer's queue was full. Per spec.md §5 this is
// a permanent error for that call: the buffer is saturated and the
// caller should treat the service instance as dead rather than retry
// in a loop against it.
var ErrQueueFull = errors.New("stack: buffer: queue full, service unavailable")

type bufferCall struct {
	ctx     context.Context
	req     Request
	resultC chan bufferResult
}

type bufferResult struct {
	resp Response
	err  error
}

// bufferService decouples the caller from the inner Service's
// readiness via a bounded channel drained by a dedicated dispatcher
// goroutine, and caps concurrent in-flight calls with a weighted
// semaphore (grounded on warming/worker_pool.go's task-queue +
// worker-goroutine shape, generalized from a fixed worker count to an
// admission semaphore so throughput is not serialized to one worker).
type bufferService struct {
	queue chan *bufferCall
	sem   *semaphore.Weighted
	inner Service
}

// Buffer wraps make/target behind a buffered, in-flight-limited
// Service. Construction fails with *SpawnError if ctx is already done
// (the dispatcher cannot be scheduled) and with *MakeError if the
// inner factory fails.
func Buffer[T any](ctx context.Context, mk Make[T], target T, queueDepth int, maxInFlight int64) (Service, error) {
	select {
	case <-ctx.Done():
		return nil, &SpawnError{Err: ctx.Err()}
	default:
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	inner, err := mk.MakeService(target)
	if err != nil {
		return nil, &MakeError{Err: err}
	}

	b := &bufferService{
		queue: make(chan *bufferCall, queueDepth),
		sem:   semaphore.NewWeighted(maxInFlight),
		inner: inner,
	}
	go b.dispatch(ctx)
	return b, nil
}

func (b *bufferService) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call, ok := <-b.queue:
			if !ok {
				return
			}
			if err := b.sem.Acquire(call.ctx, 1); err != nil {
				call.resultC <- bufferResult{err: err}
				continue
			}
			go func(c *bufferCall) {
				defer b.sem.Release(1)
				if err := b.inner.Ready(c.ctx); err != nil {
					c.resultC <- bufferResult{err: err}
					return
				}
				resp, err := b.inner.Serve(c.ctx, c.req)
				c.resultC <- bufferResult{resp: resp, err: err}
			}(call)
		}
	}
}

// Ready on a buffered Service is always immediately ready: readiness
// is delegated to the dispatcher/semaphore at call time, matching the
// router's own "always ready, push backpressure downstream" posture
// (spec.md §4.2, §5).
func (b *bufferService) Ready(_ context.Context) error { return nil }

func (b *bufferService) Serve(ctx context.Context, req Request) (Response, error) {
	call := &bufferCall{ctx: ctx, req: req, resultC: make(chan bufferResult, 1)}
	select {
	case b.queue <- call:
	default:
		return nil, ErrQueueFull
	}
	select {
	case res := <-call.resultC:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
