package router

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/stack"
)

type fakeService struct {
	id       int
	serveErr error
	calls    atomic.Int64
}

func (f *fakeService) Ready(ctx context.Context) error { return nil }

func (f *fakeService) Serve(ctx context.Context, req stack.Request) (stack.Response, error) {
	f.calls.Add(1)
	if f.serveErr != nil {
		return nil, f.serveErr
	}
	return &http.Response{StatusCode: 200}, nil
}

type counterFactory struct {
	mu      sync.Mutex
	builds  int
	delay   time.Duration
	failFor map[int]bool
}

func (c *counterFactory) MakeService(target int) (stack.Service, error) {
	c.mu.Lock()
	c.builds++
	id := c.builds
	fail := c.failFor[target]
	c.mu.Unlock()

	if fail {
		return nil, context.DeadlineExceeded
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &fakeService{id: id}, nil
}

func targetFromHeader() RecognizerFunc[int] {
	return func(ctx context.Context, req stack.Request) (int, bool) {
		v := req.Header.Get("X-Target")
		switch v {
		case "1":
			return 1, true
		case "2":
			return 2, true
		case "3":
			return 3, true
		default:
			return 0, false
		}
	}
}

func reqWithTarget(v string) stack.Request {
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Target", v)
	return req
}

func keyFunc(t int) string {
	return string(rune('a' + t))
}

func TestNotRecognized(t *testing.T) {
	r := New[int](targetFromHeader(), keyFunc, &counterFactory{}, 10, time.Minute)
	req, _ := http.NewRequest("GET", "/", nil)

	_, err := r.Call(context.Background(), req)
	if _, ok := err.(NotRecognized); !ok {
		t.Fatalf("expected NotRecognized, got %v", err)
	}
}

func TestCacheHitReusesService(t *testing.T) {
	factory := &counterFactory{}
	r := New[int](targetFromHeader(), keyFunc, factory, 10, time.Minute)

	req := reqWithTarget("1")
	if _, err := r.Call(context.Background(), req); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if _, err := r.Call(context.Background(), req); err != nil {
		t.Fatalf("call 2: %v", err)
	}

	if factory.builds != 1 {
		t.Fatalf("expected 1 build, got %d", factory.builds)
	}
	stats := r.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit, 1 miss, got %+v", stats)
	}
}

func TestRouteConstructionError(t *testing.T) {
	factory := &counterFactory{failFor: map[int]bool{1: true}}
	r := New[int](targetFromHeader(), keyFunc, factory, 10, time.Minute)

	_, err := r.Call(context.Background(), reqWithTarget("1"))
	if _, ok := err.(*RouteConstruction); !ok {
		t.Fatalf("expected *RouteConstruction, got %v", err)
	}
}

func TestNoCapacity(t *testing.T) {
	factory := &counterFactory{}
	r := New[int](targetFromHeader(), keyFunc, factory, 1, time.Hour)

	if _, err := r.Call(context.Background(), reqWithTarget("1")); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	_, err := r.Call(context.Background(), reqWithTarget("2"))
	if nc, ok := err.(*NoCapacity); !ok || nc.Capacity != 1 {
		t.Fatalf("expected *NoCapacity{1}, got %v", err)
	}
}

func TestConcurrentMissesBuildOnce(t *testing.T) {
	factory := &counterFactory{delay: 20 * time.Millisecond}
	r := New[int](targetFromHeader(), keyFunc, factory, 10, time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := r.Call(context.Background(), reqWithTarget("1"))
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if factory.builds != 1 {
		t.Fatalf("expected exactly 1 build across concurrent misses, got %d", factory.builds)
	}
}

func TestEvictForcesRebuild(t *testing.T) {
	factory := &counterFactory{}
	r := New[int](targetFromHeader(), keyFunc, factory, 10, time.Minute)

	req := reqWithTarget("1")
	if _, err := r.Call(context.Background(), req); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if !r.Evict(1) {
		t.Fatal("expected evict to find an entry")
	}
	if _, err := r.Call(context.Background(), req); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if factory.builds != 2 {
		t.Fatalf("expected 2 builds after evict, got %d", factory.builds)
	}
}
