package discovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubscribePrimesSnapshot(t *testing.T) {
	s := NewShared[string, int]()
	s.Apply(Update[string, int]{Kind: Insert, Key: "a", Value: 1})
	s.Apply(Update[string, int]{Kind: Insert, Key: "b", Value: 2})

	ch, unsubscribe := s.Subscribe(10)
	defer unsubscribe()

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-ch:
			seen[u.Key] = u.Value
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for primed updates")
		}
	}
	if seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("expected primed snapshot {a:1 b:2}, got %v", seen)
	}
}

func TestApplyBroadcastsToSubscribers(t *testing.T) {
	s := NewShared[string, int]()
	ch1, unsub1 := s.Subscribe(10)
	ch2, unsub2 := s.Subscribe(10)
	defer unsub1()
	defer unsub2()

	s.Apply(Update[string, int]{Kind: Insert, Key: "a", Value: 1})

	for _, ch := range []<-chan Update[string, int]{ch1, ch2} {
		select {
		case u := <-ch:
			if u.Key != "a" || u.Value != 1 {
				t.Fatalf("unexpected update %+v", u)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestRemoveDeletesFromSnapshot(t *testing.T) {
	s := NewShared[string, int]()
	s.Apply(Update[string, int]{Kind: Insert, Key: "a", Value: 1})
	s.Apply(Update[string, int]{Kind: Remove, Key: "a"})

	snap := s.Snapshot()
	if _, ok := snap["a"]; ok {
		t.Fatal("expected a to be removed from snapshot")
	}
}

func TestSlowSubscriberIsPrunedNotBlocking(t *testing.T) {
	s := NewShared[string, int]()
	ch, _ := s.Subscribe(1)

	// Fill the buffer, then push more without ever draining ch.
	s.Apply(Update[string, int]{Kind: Insert, Key: "a", Value: 1})
	s.Apply(Update[string, int]{Kind: Insert, Key: "b", Value: 2})

	s.mu.Lock()
	n := len(s.subscribers)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected slow subscriber to be pruned, got %d remaining", n)
	}

	// The channel should have been closed when pruned.
	select {
	case _, ok := <-ch:
		if ok {
			// first buffered update is fine to observe
		}
	default:
	}
}

func TestSubscribeWithUndersizedBufferDoesNotDeadlock(t *testing.T) {
	s := NewShared[string, int]()
	s.Apply(Update[string, int]{Kind: Insert, Key: "a", Value: 1})
	s.Apply(Update[string, int]{Kind: Insert, Key: "b", Value: 2})

	done := make(chan struct{})
	go func() {
		ch, unsubscribe := s.Subscribe(1)
		defer unsubscribe()
		<-ch
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe with buffer smaller than the snapshot deadlocked")
	}

	// A second, well-buffered subscriber (and a live Apply) must still
	// work: the undersized subscriber above must not have wedged s.mu
	// or left a phantom entry in s.subscribers.
	ch2, unsub2 := s.Subscribe(10)
	defer unsub2()
	s.Apply(Update[string, int]{Kind: Insert, Key: "c", Value: 3})

	seen := false
	for i := 0; i < 3; i++ {
		select {
		case u := <-ch2:
			if u.Key == "c" {
				seen = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for updates on second subscriber")
		}
	}
	if !seen {
		t.Fatal("expected second subscriber to observe the live Apply")
	}

	s.mu.Lock()
	n := len(s.subscribers)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected only the well-buffered subscriber to remain registered, got %d", n)
	}
}

type fakeSource struct {
	updates []Update[string, int]
	err     error
}

func (f *fakeSource) Run(ctx context.Context, apply func(Update[string, int])) error {
	for _, u := range f.updates {
		apply(u)
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDriverAppliesFromSources(t *testing.T) {
	shared := NewShared[string, int]()
	src := &fakeSource{updates: []Update[string, int]{{Kind: Insert, Key: "a", Value: 1}}}
	driver := NewDriver[string, int](shared, src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = driver.Run(ctx)

	snap := shared.Snapshot()
	if snap["a"] != 1 {
		t.Fatalf("expected a=1 in snapshot, got %v", snap)
	}
}

func TestDriverPropagatesSourceError(t *testing.T) {
	shared := NewShared[string, int]()
	boom := errors.New("boom")
	src := &fakeSource{err: boom}
	driver := NewDriver[string, int](shared, src)

	err := driver.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
