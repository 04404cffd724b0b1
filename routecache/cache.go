// Package routecache implements the bounded, idle-evicting K->V cache
// described in spec.md §4.1: a reserve/store two-phase protocol so
// that "exactly one builder per key" can be guaranteed by the caller
// (the router, §4.2) without holding a value before it exists.
//
// Grounded on the reference repo's cache-manager/cache.go L1Cache
// (container/list + map + sync.RWMutex, O(1) LRU via list.Element),
// restructured around Reserve/Access/Reservation.Store instead of a
// single Set, and around idle-age eviction instead of a per-entry TTL.
package routecache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CapacityExhausted is returned by Reserve when the cache is full and
// no entry is idle enough to evict, per spec.md §4.1.
type CapacityExhausted struct {
	Capacity int
}

func (e *CapacityExhausted) Error() string {
	return fmt.Sprintf("routecache: capacity exhausted (%d)", e.Capacity)
}

// ErrReservationConsumed is returned by Store if called twice on the
// same Reservation.
var ErrReservationConsumed = errors.New("routecache: reservation already stored or released")

type entry[K comparable, V any] struct {
	key      K
	value    V
	lastUsed time.Time
	elem     *list.Element
}

// Cache is a bounded map from K to V with idle-age eviction and
// capacity-reservation semantics. Iteration (used by the idle scan) is
// insertion order, per spec.md §4.1 ("this keeps idle scans
// deterministic").
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	maxIdleAge time.Duration
	now        func() time.Time

	entries map[K]*entry[K, V]
	order   *list.List // insertion order, front = oldest
}

// New builds a Cache with the given capacity and idle age. A
// maxIdleAge of 0 means entries are eligible for eviction immediately
// after being accessed (spec.md §8's boundary behavior).
func New[K comparable, V any](capacity int, maxIdleAge time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		capacity:   capacity,
		maxIdleAge: maxIdleAge,
		now:        time.Now,
		entries:    make(map[K]*entry[K, V], capacity),
		order:      list.New(),
	}
}

// Access returns the value stored for key, if present, and refreshes
// its last-used timestamp. The returned bool is false if key is not
// cached (including if it was just evicted).
func (c *Cache[K, V]) Access(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastUsed = c.now()
	return e.value, true
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reservation is a slot claimed by Reserve, to be filled by Store or
// released by Release. A reservation that is never stored or released
// holds no cache state (spec.md §4.1: "Drop without store releases the
// reservation" — Reserve here does not pre-allocate cache state at
// all, so an abandoned Reservation needs no cleanup beyond Release
// being a no-op safety net for callers that want explicit symmetry).
type Reservation[K comparable, V any] struct {
	cache    *Cache[K, V]
	consumed bool
}

// Reserve claims a slot for a new entry, evicting idle entries first
// if the cache is at capacity, per spec.md §4.1's three-step policy.
func (c *Cache[K, V]) Reserve() (*Reservation[K, V], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) < c.capacity {
		return &Reservation[K, V]{cache: c}, nil
	}

	if evicted := c.evictIdleLocked(); evicted > 0 {
		return &Reservation[K, V]{cache: c}, nil
	}

	return nil, &CapacityExhausted{Capacity: c.capacity}
}

// evictIdleLocked removes every entry whose idle time is >=
// maxIdleAge. Must be called with c.mu held.
func (c *Cache[K, V]) evictIdleLocked() int {
	now := c.now()
	evicted := 0

	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*entry[K, V])
		if now.Sub(e.lastUsed) >= c.maxIdleAge {
			c.order.Remove(elem)
			delete(c.entries, e.key)
			evicted++
		}
	}
	return evicted
}

// Store commits key/value into the reservation's slot. Calling Store
// on a Reservation that was already stored or released returns
// ErrReservationConsumed.
func (r *Reservation[K, V]) Store(key K, value V) error {
	if r.consumed {
		return ErrReservationConsumed
	}
	r.consumed = true

	c := r.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry[K, V]{key: key, value: value, lastUsed: now}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	return nil
}

// Release abandons the reservation without storing a value. It is
// safe to call Release after Store (a no-op) and safe to never call
// it at all.
func (r *Reservation[K, V]) Release() {
	r.consumed = true
}

// CleanupIdle evicts every entry idle for at least maxIdleAge,
// independent of a Reserve call; used by a periodic sweep (see
// adminapi) so idle entries do not linger indefinitely between
// requests. Returns the number evicted.
func (c *Cache[K, V]) CleanupIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictIdleLocked()
}

// Delete removes key unconditionally. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(e.elem)
	delete(c.entries, key)
	return true
}

// Keys returns a snapshot of all cached keys in insertion order.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}
