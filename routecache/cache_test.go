package routecache

import (
	"testing"
	"time"
)

func TestAccessMiss(t *testing.T) {
	c := New[string, int](2, time.Second)
	if _, ok := c.Access("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestReserveAndStoreRoundTrip(t *testing.T) {
	c := New[string, int](2, time.Second)

	r, err := c.Reserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Store("a", 1); err != nil {
		t.Fatalf("store: %v", err)
	}

	v, ok := c.Access("a")
	if !ok || v != 1 {
		t.Fatalf("expected hit with 1, got %v %v", v, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected len 1, got %d", c.Len())
	}
}

func TestStoreTwiceFails(t *testing.T) {
	c := New[string, int](2, time.Second)
	r, _ := c.Reserve()
	if err := r.Store("a", 1); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := r.Store("a", 2); err != ErrReservationConsumed {
		t.Fatalf("expected ErrReservationConsumed, got %v", err)
	}
}

func TestReleaseIsNoop(t *testing.T) {
	c := New[string, int](2, time.Second)
	r, _ := c.Reserve()
	r.Release()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after release, got len %d", c.Len())
	}
}

// Scenario 1 from spec.md §8: capacity 1, idle 1s.
func TestScenario1CapacityOneIdleOneSecond(t *testing.T) {
	c := New[int, int](1, time.Second)

	r1, err := c.Reserve()
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if err := r1.Store(2, 2); err != nil {
		t.Fatalf("store 2: %v", err)
	}

	if _, err := c.Reserve(); err == nil {
		t.Fatal("expected CapacityExhausted on second reserve")
	} else if ce, ok := err.(*CapacityExhausted); !ok || ce.Capacity != 1 {
		t.Fatalf("expected CapacityExhausted{1}, got %#v", err)
	}
}

// Scenario 2: capacity 1, idle 0s — a cache of capacity 1 can still
// serve back-to-back distinct targets by evicting after each use.
func TestScenario2CapacityOneIdleZero(t *testing.T) {
	c := New[int, int](1, 0)

	r1, _ := c.Reserve()
	_ = r1.Store(2, 2)

	v, ok := c.Access(2)
	if !ok || v != 2 {
		t.Fatalf("expected immediate hit for 2, got %v %v", v, ok)
	}

	// idle age 0 means this entry is immediately eligible for eviction
	r2, err := c.Reserve()
	if err != nil {
		t.Fatalf("expected reserve to succeed by evicting idle entry, got %v", err)
	}
	if err := r2.Store(3, 3); err != nil {
		t.Fatalf("store 3: %v", err)
	}

	if _, ok := c.Access(2); ok {
		t.Fatal("expected 2 to have been evicted")
	}
	v, ok = c.Access(3)
	if !ok || v != 3 {
		t.Fatalf("expected hit for 3, got %v %v", v, ok)
	}
}

// Boundary: capacity 0 always fails.
func TestCapacityZeroAlwaysFails(t *testing.T) {
	c := New[int, int](0, 0)
	if _, err := c.Reserve(); err == nil {
		t.Fatal("expected capacity-0 cache to always fail reservation")
	}
}

func TestCleanupIdle(t *testing.T) {
	c := New[int, int](10, 0)
	r, _ := c.Reserve()
	_ = r.Store(1, 1)

	n := c.CleanupIdle()
	if n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got len %d", c.Len())
	}
}

func TestDeleteAndKeysOrder(t *testing.T) {
	c := New[int, int](10, time.Hour)
	for i := 1; i <= 3; i++ {
		r, _ := c.Reserve()
		_ = r.Store(i, i*10)
	}

	keys := c.Keys()
	if len(keys) != 3 || keys[0] != 1 || keys[2] != 3 {
		t.Fatalf("expected insertion-order keys [1 2 3], got %v", keys)
	}

	if !c.Delete(2) {
		t.Fatal("expected delete of 2 to succeed")
	}
	if c.Delete(2) {
		t.Fatal("expected second delete of 2 to fail")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2 after delete, got %d", c.Len())
	}
}
