package adminapi

import (
	"context"
	"testing"

	"encore.app/router"
)

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) CleanupIdle() int {
	f.calls++
	return f.calls
}

type fakeStats struct{ stats router.Stats }

func (f *fakeStats) Stats() router.Stats { return f.stats }

func TestWireAndGetRouterStats(t *testing.T) {
	s := &Service{}
	stats := &fakeStats{stats: router.Stats{Hits: 3, Misses: 1, CacheSize: 2}}
	s.Wire(&fakeSweeper{}, stats, nil, nil, nil)

	svc = s
	defer func() { svc = nil }()

	resp, err := GetRouterStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Hits != 3 || resp.Misses != 1 || resp.CacheSize != 2 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}

func TestGetRouterStatsWithoutServiceIsZeroValue(t *testing.T) {
	svc = nil
	resp, err := GetRouterStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Hits != 0 {
		t.Fatalf("expected zero-value stats, got %+v", resp)
	}
}

func TestSweepIdleRoutesCallsSweeper(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := &Service{}
	s.Wire(sweeper, &fakeStats{}, nil, nil, nil)
	svc = s
	defer func() { svc = nil }()

	if err := SweepIdleRoutes(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected sweeper to be called once, got %d", sweeper.calls)
	}
}

func TestSweepIdleRoutesWithoutServiceIsNoop(t *testing.T) {
	svc = nil
	if err := SweepIdleRoutes(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
