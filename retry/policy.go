package retry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"encore.app/classify"
	"encore.app/stack"
)

// Policy implements one route's retry behavior, per spec.md §4.7: on a
// failure classification, retry once if the request's body can be
// replayed, the per-route timeout hasn't elapsed, and the budget has
// balance. Budget- and timeout-rejected retries are counted
// separately so operators can tell "we gave up because of backend
// health" from "we gave up because the budget was already spent."
type Policy struct {
	classifier classify.ResponseClassifier
	budget     *Budget
	timeout    time.Duration

	skippedBudget  atomic.Int64
	skippedTimeout atomic.Int64
	retried        atomic.Int64
}

// NewPolicy builds a Policy from a classifier, a budget, and the
// route's retry timeout, measured from the first dispatch: a retry is
// issued only if less than timeout has elapsed. The retried attempt
// itself is not bounded by the timeout.
func NewPolicy(classifier classify.ResponseClassifier, budget *Budget, timeout time.Duration) *Policy {
	return &Policy{classifier: classifier, budget: budget, timeout: timeout}
}

// Dispatch is a single attempt at serving req through call.
type Dispatch func(ctx context.Context, req stack.Request) (stack.Response, error)

// Do issues req via call, retrying once under the policy's rules if
// the first attempt classifies as a failure.
func (p *Policy) Do(ctx context.Context, req stack.Request, call Dispatch) (stack.Response, error) {
	start := time.Now()

	resp, err := call(ctx, req)
	class := p.classifyFull(resp, err)

	if class.Outcome == classify.Success {
		p.budget.Deposit()
		return resp, err
	}

	cloned, ok := cloneRequest(req)
	if !ok {
		return resp, err
	}

	if time.Since(start) >= p.timeout {
		p.skippedTimeout.Add(1)
		return resp, err
	}

	if !p.budget.Withdraw() {
		p.skippedBudget.Add(1)
		return resp, err
	}

	p.retried.Add(1)
	return call(ctx, cloned)
}

func (p *Policy) classifyFull(resp stack.Response, err error) classify.Class {
	head := p.classifier.ClassifyHead(resp, err)
	if head.Immediate || resp == nil {
		return head
	}
	return p.classifier.ClassifyEOS(resp)
}

// cloneRequest replays req's body via its GetBody hook, per spec.md
// §4.7's "only bodies that support cloning" rule. A request with a
// non-replayable body (GetBody is nil but a body is present) is not
// retried at all.
func cloneRequest(req stack.Request) (stack.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Clone(req.Context()), true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, true
}

// Stats is a point-in-time snapshot of retry counters.
type Stats struct {
	Retried        int64
	SkippedBudget  int64
	SkippedTimeout int64
}

// Stats returns the current retry counters.
func (p *Policy) Stats() Stats {
	return Stats{
		Retried:        p.retried.Load(),
		SkippedBudget:  p.skippedBudget.Load(),
		SkippedTimeout: p.skippedTimeout.Load(),
	}
}
