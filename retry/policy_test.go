package retry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"encore.app/classify"
	"encore.app/stack"
)

func newReq(body string) stack.Request {
	req, _ := http.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewBufferString(body)), nil
	}
	return req
}

func TestPolicyRetriesOnFailure(t *testing.T) {
	budget := NewBudget(10, 1, 1, 0)
	policy := NewPolicy(classify.HTTPStatus(), budget, time.Second)

	calls := 0
	call := func(ctx context.Context, req stack.Request) (stack.Response, error) {
		calls++
		if calls == 1 {
			return &http.Response{StatusCode: 503}, nil
		}
		return &http.Response{StatusCode: 200}, nil
	}

	resp, err := policy.Do(context.Background(), newReq("body"), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (1 retry), got %d", calls)
	}
	if policy.Stats().Retried != 1 {
		t.Fatalf("expected retried=1, got %+v", policy.Stats())
	}
}

func TestPolicySkipsWhenBudgetEmpty(t *testing.T) {
	budget := NewBudget(1, 0, 100, 0)
	budget.balance = 0
	policy := NewPolicy(classify.HTTPStatus(), budget, time.Second)

	calls := 0
	call := func(ctx context.Context, req stack.Request) (stack.Response, error) {
		calls++
		return &http.Response{StatusCode: 503}, nil
	}

	_, _ = policy.Do(context.Background(), newReq("body"), call)
	if calls != 1 {
		t.Fatalf("expected no retry when budget empty, got %d calls", calls)
	}
	if policy.Stats().SkippedBudget != 1 {
		t.Fatalf("expected skippedBudget=1, got %+v", policy.Stats())
	}
}

func TestPolicySkipsWhenTimeoutElapsed(t *testing.T) {
	budget := NewBudget(10, 1, 1, 0)
	policy := NewPolicy(classify.HTTPStatus(), budget, time.Nanosecond)

	calls := 0
	call := func(ctx context.Context, req stack.Request) (stack.Response, error) {
		calls++
		time.Sleep(time.Millisecond)
		return &http.Response{StatusCode: 503}, nil
	}

	_, _ = policy.Do(context.Background(), newReq("body"), call)
	if calls != 1 {
		t.Fatalf("expected no retry after timeout elapsed, got %d calls", calls)
	}
	if policy.Stats().SkippedTimeout != 1 {
		t.Fatalf("expected skippedTimeout=1, got %+v", policy.Stats())
	}
}

func TestPolicyDoesNotRetryNonCloneableBody(t *testing.T) {
	budget := NewBudget(10, 1, 1, 0)
	policy := NewPolicy(classify.HTTPStatus(), budget, time.Second)

	req, _ := http.NewRequest("POST", "/", bytes.NewBufferString("x"))
	req.GetBody = nil // not replayable

	calls := 0
	call := func(ctx context.Context, r stack.Request) (stack.Response, error) {
		calls++
		return &http.Response{StatusCode: 503}, nil
	}

	_, _ = policy.Do(context.Background(), req, call)
	if calls != 1 {
		t.Fatalf("expected no retry for non-cloneable body, got %d calls", calls)
	}
}
