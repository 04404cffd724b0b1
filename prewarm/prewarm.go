// Package prewarm proactively builds a Reconnect-wrapped Service for
// every newly discovered endpoint, so the first real request to a
// fresh address doesn't pay for connection setup inline. It is a
// supplemental feature (not named by spec.md's core modules, but
// present in the original proxy's warm-up behavior) layered on top of
// discovery's Update stream.
//
// Grounded on warming/worker_pool.go's bounded worker pool (a fixed
// number of goroutines draining a task channel) and warming/service.go's
// rate.Limiter + singleflight.Group combination for origin protection
// and build deduplication, repurposed here from "warm cache keys" to
// "warm endpoint connections": a worker pool bounds concurrent dials,
// a rate limiter bounds how fast new endpoints are dialed, and
// singleflight collapses duplicate Insert events for the same address
// racing through the pool.
package prewarm

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/discovery"
	"encore.app/stack"
)

// Metrics tracks prewarm activity, surfaced by adminapi.
type Metrics struct {
	Attempted atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	RateLimited atomic.Int64
}

// Service drains an endpoint discovery feed's Insert updates and
// proactively constructs a Reconnect-wrapped Service for each new
// address, discarding the result (warming is the factory's
// MakeService call alone; Ready is never called on the built Service.
// balancer.P2C/ConsistentHash gets the real Service to dispatch to
// from the same discovery feed independently).
type Service struct {
	factory     stack.Make[string]
	concurrency int
	limiter     *rate.Limiter
	dedupe      singleflight.Group
	metrics     Metrics
}

// NewService builds a prewarm Service. concurrency bounds how many
// endpoint builds run at once; ratePerSecond/burst bound how fast new
// builds are admitted, independent of how many Insert events arrive in
// a burst (e.g. a discovery feed replaying its whole snapshot to a new
// subscriber).
func NewService(factory stack.Make[string], concurrency int, ratePerSecond float64, burst int) *Service {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		factory:     factory,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Run reads updates and warms every Insert it sees until ctx is done
// or updates is closed. Each Insert's address is queued on a bounded
// task channel (concurrency*4 deep) drained by the worker pool; when
// that queue is full, Run blocks and stops reading updates until a
// worker takes a task.
func (s *Service) Run(ctx context.Context, updates <-chan discovery.Update[string, stack.Service]) {
	tasks := make(chan string, s.concurrency*4)

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go s.worker(ctx, tasks, &wg)
	}

	func() {
		defer close(tasks)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Kind != discovery.Insert {
					continue
				}
				select {
				case tasks <- u.Key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg.Wait()
}

func (s *Service) worker(ctx context.Context, tasks <-chan string, wg *sync.WaitGroup) {
	defer wg.Done()
	for addr := range tasks {
		if err := s.limiter.Wait(ctx); err != nil {
			s.metrics.RateLimited.Add(1)
			return
		}
		s.warm(addr)
	}
}

func (s *Service) warm(addr string) {
	s.metrics.Attempted.Add(1)
	_, err, _ := s.dedupe.Do(addr, func() (any, error) {
		return stack.Reconnect(s.factory, addr)
	})
	if err != nil {
		s.metrics.Failed.Add(1)
		return
	}
	s.metrics.Succeeded.Add(1)
}

// Stats returns a point-in-time snapshot of prewarm activity.
func (s *Service) Stats() Metrics {
	return Metrics{
		Attempted:   atomicCopy(&s.metrics.Attempted),
		Succeeded:   atomicCopy(&s.metrics.Succeeded),
		Failed:      atomicCopy(&s.metrics.Failed),
		RateLimited: atomicCopy(&s.metrics.RateLimited),
	}
}

func atomicCopy(v *atomic.Int64) atomic.Int64 {
	var out atomic.Int64
	out.Store(v.Load())
	return out
}
