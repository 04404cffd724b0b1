// Package balancer implements load balancing over a discovered set of
// endpoint Services, per spec.md §4.5: a Discover adapter that tracks
// Insert/Remove endpoint changes, and a power-of-two-choices balancer
// using peak-EWMA load estimates with a pending-until-first-data
// handicap so a newly discovered endpoint gets an initial chance
// before its real latency is known.
//
// Grounded on warming/worker_pool.go's Worker busy/idle/startedAt
// bookkeeping (the same "in flight right now" tracking, generalized
// from one counter per fixed worker to a per-endpoint EWMA) and
// pkg/utils/hash.go's consistent-hash ring, adapted here as an
// alternate, session-affinity-preserving picker.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"encore.app/discovery"
	"encore.app/stack"
	"encore.app/telemetry"
)

// ErrNoEndpoints is returned by Pick when the balancer has no live
// endpoints to choose from.
var ErrNoEndpoints = errors.New("balancer: no endpoints available")

// Discover is the spec.md §4.5 "Load-Balancer Discover Adapter": it
// translates a raw Resolve<Metadata> stream (endpoint membership
// changes carrying only address + metadata, never a built Service)
// into the Service-bearing discovery.Update stream P2C.Watch and
// ConsistentHash consume, by running each Insert's metadata through
// factory. This is the one place spec.md §4.5's "Make<Endpoint>"
// translation happens; any discovery.Source — pubsub-backed (see
// discoveryfeed), DNS-based, static file — feeds raw metadata through
// Discover instead of duplicating the MakeService call itself.
//
// A factory failure for one Insert is logged and that update is
// dropped (the endpoint simply never appears), matching spec.md
// §4.5's "make(ep)?": construction is fallible and a failure must not
// take down the rest of the discovery stream.
func Discover[Meta any](ctx context.Context, updates <-chan discovery.Update[string, Meta], factory stack.Make[Meta]) <-chan discovery.Update[string, stack.Service] {
	out := make(chan discovery.Update[string, stack.Service])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				switch u.Kind {
				case discovery.Remove:
					change := discovery.Update[string, stack.Service]{Kind: discovery.Remove, Key: u.Key}
					select {
					case out <- change:
					case <-ctx.Done():
						return
					}
				case discovery.Insert:
					svc, err := factory.MakeService(u.Value)
					if err != nil {
						telemetry.Logf(ctx, telemetry.LevelWarn, "balancer: discover: dropping endpoint %v: %v", u.Key, err)
						continue
					}
					change := discovery.Update[string, stack.Service]{Kind: discovery.Insert, Key: u.Key, Value: svc}
					select {
					case out <- change:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// decayInterval controls how quickly a peak-EWMA load estimate relaxes
// back toward zero between observations.
const decayInterval = 10 * time.Second

type endpointState struct {
	mu      sync.Mutex
	svc     stack.Service
	ewma    float64
	pending int64
	hasData bool
	lastObs time.Time
}

func (e *endpointState) cost() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == 0 && !e.hasData {
		return 0
	}
	return e.ewma * float64(e.pending+1)
}

func (e *endpointState) startCall() {
	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
}

func (e *endpointState) observe(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending--
	if e.pending < 0 {
		e.pending = 0
	}

	now := time.Now()
	sample := float64(latency)
	if !e.hasData {
		e.ewma = sample
		e.hasData = true
		e.lastObs = now
		return
	}

	elapsed := now.Sub(e.lastObs)
	decay := math.Exp(-float64(elapsed) / float64(decayInterval))
	decayed := e.ewma * decay
	if sample > decayed {
		e.ewma = sample // peaks jump immediately
	} else {
		e.ewma = decayed
	}
	e.lastObs = now
}

// pendingService wraps an endpoint's Service so the load estimate
// follows spec.md §4.5's "pending-until-first-data" contract: the
// in-flight counter is incremented on call start as before, but the
// latency sample feeding the peak-EWMA isn't taken until the response
// body's first byte is read (or the body is closed unread), not when
// Serve merely returns headers. This matches
// src/telemetry/http/timestamp_request_open.rs's distinction between
// "response started" and "response data arrived" for streaming
// responses, where the gap between the two is itself load-bearing
// information a headers-only timer would miss.
type pendingService struct {
	inner stack.Service
	state *endpointState
}

func (p *pendingService) Ready(ctx context.Context) error { return p.inner.Ready(ctx) }

func (p *pendingService) Serve(ctx context.Context, req stack.Request) (stack.Response, error) {
	p.state.startCall()
	start := time.Now()

	resp, err := p.inner.Serve(ctx, req)
	if err != nil || resp == nil || resp.Body == nil {
		p.state.observe(time.Since(start))
		return resp, err
	}

	resp.Body = &firstByteBody{
		ReadCloser: resp.Body,
		onFirstByte: func() {
			p.state.observe(time.Since(start))
		},
	}
	return resp, nil
}

// firstByteBody fires onFirstByte exactly once: on the first Read that
// returns data, or on Close if the body was never read (so a caller
// that discards a response without reading it still releases the
// pending slot).
type firstByteBody struct {
	io.ReadCloser
	once        sync.Once
	onFirstByte func()
}

func (b *firstByteBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.once.Do(b.onFirstByte)
	}
	return n, err
}

func (b *firstByteBody) Close() error {
	b.once.Do(b.onFirstByte)
	return b.ReadCloser.Close()
}

// P2C balances across a discovered endpoint set using power-of-two
// choices over a peak-EWMA load estimate: each Pick samples two
// endpoints at random and serves from whichever currently looks
// cheaper, a close approximation of least-loaded that scales without a
// global sort, per spec.md §4.5.
type P2C struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointState
	order     []string // stable key order for sampling

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewP2C builds an empty P2C balancer. Call Watch to drive it from a
// discovery feed, or Insert/Remove directly for tests.
func NewP2C() *P2C {
	return &P2C{
		endpoints: make(map[string]*endpointState),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Watch consumes updates until ctx is done or updates closes, keeping
// the endpoint set in sync.
func (p *P2C) Watch(ctx context.Context, updates <-chan discovery.Update[string, stack.Service]) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case discovery.Insert:
				p.Insert(u.Key, u.Value)
			case discovery.Remove:
				p.Remove(u.Key)
			}
		}
	}
}

// Insert adds or replaces the endpoint for addr. svc is wrapped with
// pendingService so Pick's load estimate follows the
// pending-until-first-data contract automatically.
func (p *P2C) Insert(addr string, svc stack.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.endpoints[addr]; !exists {
		p.order = append(p.order, addr)
	}
	state := &endpointState{}
	state.svc = &pendingService{inner: svc, state: state}
	p.endpoints[addr] = state
}

// Remove drops addr from the endpoint set.
func (p *P2C) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.endpoints[addr]; !ok {
		return
	}
	delete(p.endpoints, addr)
	for i, a := range p.order {
		if a == addr {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Len returns the current endpoint count.
func (p *P2C) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Pick chooses an endpoint and dispatches req to it. The endpoint's
// load estimate is maintained by the pendingService wrapper installed
// in Insert, which times from call start to first response byte
// rather than from call start to Serve's return.
func (p *P2C) Pick(ctx context.Context, req stack.Request) (stack.Response, error) {
	state, err := p.sample()
	if err != nil {
		return nil, err
	}
	return state.svc.Serve(ctx, req)
}

func (p *P2C) sample() (*endpointState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.order)
	switch n {
	case 0:
		return nil, ErrNoEndpoints
	case 1:
		return p.endpoints[p.order[0]], nil
	}

	p.rngMu.Lock()
	i := p.rng.Intn(n)
	j := p.rng.Intn(n - 1)
	p.rngMu.Unlock()
	if j >= i {
		j++
	}

	a := p.endpoints[p.order[i]]
	b := p.endpoints[p.order[j]]
	if a.cost() <= b.cost() {
		return a, nil
	}
	return b, nil
}

// ConsistentHash is an alternate picker over the same endpoint
// addresses that preserves session affinity: the same key always
// lands on the same endpoint until the ring membership changes. It is
// a supplemental balancing strategy (spec.md's balancer scope names
// P2C as the default; this is offered for workloads that need sticky
// routing), adapted from pkg/utils/hash.go's virtual-node ring.
type ConsistentHash struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64
	ring     map[uint64]string
	services map[string]stack.Service
}

// NewConsistentHash builds an empty ring with the given number of
// virtual nodes per endpoint (0 selects a reasonable default).
func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = 150
	}
	return &ConsistentHash{
		replicas: replicas,
		ring:     make(map[uint64]string),
		services: make(map[string]stack.Service),
	}
}

func ringHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Insert adds addr's virtual nodes to the ring.
func (c *ConsistentHash) Insert(addr string, svc stack.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services[addr] = svc
	for i := 0; i < c.replicas; i++ {
		h := ringHash(fmt.Sprintf("%s:%d", addr, i))
		c.ring[h] = addr
		c.keys = append(c.keys, h)
	}
	sort.Slice(c.keys, func(i, j int) bool { return c.keys[i] < c.keys[j] })
}

// Remove drops addr's virtual nodes from the ring.
func (c *ConsistentHash) Remove(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.services[addr]; !ok {
		return
	}
	delete(c.services, addr)
	for i := 0; i < c.replicas; i++ {
		h := ringHash(fmt.Sprintf("%s:%d", addr, i))
		delete(c.ring, h)
	}
	newKeys := make([]uint64, 0, len(c.ring))
	for h := range c.ring {
		newKeys = append(newKeys, h)
	}
	sort.Slice(newKeys, func(i, j int) bool { return newKeys[i] < newKeys[j] })
	c.keys = newKeys
}

// Pick routes key to the ring's owning endpoint and serves req there.
func (c *ConsistentHash) Pick(ctx context.Context, key string, req stack.Request) (stack.Response, error) {
	c.mu.RLock()
	if len(c.keys) == 0 {
		c.mu.RUnlock()
		return nil, ErrNoEndpoints
	}
	h := ringHash(key)
	idx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= h })
	if idx == len(c.keys) {
		idx = 0
	}
	addr := c.ring[c.keys[idx]]
	svc := c.services[addr]
	c.mu.RUnlock()

	return svc.Serve(ctx, req)
}
