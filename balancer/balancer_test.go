package balancer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"encore.app/discovery"
	"encore.app/stack"
)

type slowService struct {
	delay time.Duration
	calls int
}

func (s *slowService) Ready(ctx context.Context) error { return nil }

func (s *slowService) Serve(ctx context.Context, req stack.Request) (stack.Response, error) {
	s.calls++
	time.Sleep(s.delay)
	return &http.Response{StatusCode: 200}, nil
}

func TestPickNoEndpoints(t *testing.T) {
	p := NewP2C()
	req, _ := http.NewRequest("GET", "/", nil)
	if _, err := p.Pick(context.Background(), req); err != ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestPickSingleEndpoint(t *testing.T) {
	p := NewP2C()
	svc := &slowService{}
	p.Insert("a", svc)

	req, _ := http.NewRequest("GET", "/", nil)
	if _, err := p.Pick(context.Background(), req); err != nil {
		t.Fatalf("pick: %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("expected 1 call, got %d", svc.calls)
	}
}

func TestPickPrefersLowerLoad(t *testing.T) {
	p := NewP2C()
	fast := &slowService{delay: time.Millisecond}
	slow := &slowService{delay: 50 * time.Millisecond}
	p.Insert("fast", fast)
	p.Insert("slow", slow)

	req, _ := http.NewRequest("GET", "/", nil)

	for i := 0; i < 4; i++ {
		if _, err := p.Pick(context.Background(), req); err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
	}

	if fast.calls == 0 {
		t.Fatal("expected the fast endpoint to receive at least one call")
	}
}

func TestRemoveEndpoint(t *testing.T) {
	p := NewP2C()
	p.Insert("a", &slowService{})
	p.Insert("b", &slowService{})
	if p.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", p.Len())
	}
	p.Remove("a")
	if p.Len() != 1 {
		t.Fatalf("expected 1 endpoint after remove, got %d", p.Len())
	}
}

func TestConsistentHashAffinity(t *testing.T) {
	ch := NewConsistentHash(50)
	a := &slowService{}
	b := &slowService{}
	ch.Insert("a", a)
	ch.Insert("b", b)

	req, _ := http.NewRequest("GET", "/", nil)
	for i := 0; i < 10; i++ {
		if _, err := ch.Pick(context.Background(), "same-key", req); err != nil {
			t.Fatalf("pick: %v", err)
		}
	}

	total := a.calls + b.calls
	if total != 10 {
		t.Fatalf("expected 10 total calls, got %d", total)
	}
	if a.calls != 10 && b.calls != 10 {
		t.Fatalf("expected same key to consistently hit one endpoint, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestConsistentHashNoEndpoints(t *testing.T) {
	ch := NewConsistentHash(10)
	req, _ := http.NewRequest("GET", "/", nil)
	if _, err := ch.Pick(context.Background(), "k", req); err != ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

type metaFactory struct {
	fail map[string]bool
}

func (f *metaFactory) MakeService(meta string) (stack.Service, error) {
	if f.fail[meta] {
		return nil, errors.New("build failed")
	}
	return &slowService{}, nil
}

func TestDiscoverTranslatesInsertAndRemove(t *testing.T) {
	updates := make(chan discovery.Update[string, string], 2)
	updates <- discovery.Update[string, string]{Kind: discovery.Insert, Key: "a", Value: "a-meta"}
	updates <- discovery.Update[string, string]{Kind: discovery.Remove, Key: "a"}
	close(updates)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := Discover[string](ctx, updates, &metaFactory{})

	first := <-out
	if first.Kind != discovery.Insert || first.Key != "a" || first.Value == nil {
		t.Fatalf("expected Insert with a built service, got %+v", first)
	}
	second := <-out
	if second.Kind != discovery.Remove || second.Key != "a" {
		t.Fatalf("expected Remove, got %+v", second)
	}
}

func TestDiscoverDropsFailedBuilds(t *testing.T) {
	updates := make(chan discovery.Update[string, string], 2)
	updates <- discovery.Update[string, string]{Kind: discovery.Insert, Key: "bad", Value: "bad-meta"}
	updates <- discovery.Update[string, string]{Kind: discovery.Insert, Key: "good", Value: "good-meta"}
	close(updates)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := Discover[string](ctx, updates, &metaFactory{fail: map[string]bool{"bad-meta": true}})

	select {
	case u, ok := <-out:
		if !ok {
			t.Fatal("channel closed before the good endpoint arrived")
		}
		if u.Key != "good" {
			t.Fatalf("expected the failed build to be skipped, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the surviving endpoint")
	}
}

type bodyService struct {
	body *trackingBody
}

func (s *bodyService) Ready(ctx context.Context) error { return nil }

func (s *bodyService) Serve(ctx context.Context, req stack.Request) (stack.Response, error) {
	return &http.Response{StatusCode: 200, Body: s.body}, nil
}

type trackingBody struct {
	io.Reader
	readAt time.Time
}

func (b *trackingBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if n > 0 && b.readAt.IsZero() {
		b.readAt = time.Now()
	}
	return n, err
}

func (b *trackingBody) Close() error { return nil }

func TestPendingServiceObservesOnFirstByteNotOnServeReturn(t *testing.T) {
	p := NewP2C()
	body := &trackingBody{Reader: strings.NewReader("hello")}
	p.Insert("a", &bodyService{body: body})

	req, _ := http.NewRequest("GET", "/", nil)
	resp, err := p.Pick(context.Background(), req)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}

	p.mu.RLock()
	state := p.endpoints["a"]
	p.mu.RUnlock()

	state.mu.Lock()
	hasDataBeforeRead := state.hasData
	state.mu.Unlock()
	if hasDataBeforeRead {
		t.Fatal("expected no load sample before the body is read")
	}

	buf := make([]byte, 16)
	if _, err := resp.Body.Read(buf); err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}

	state.mu.Lock()
	hasDataAfterRead := state.hasData
	state.mu.Unlock()
	if !hasDataAfterRead {
		t.Fatal("expected a load sample to be recorded after the first body read")
	}
}
