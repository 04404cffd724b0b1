package stack

import "context"

// either tags which of two Service implementations is live. Both arms
// share Service's Request/Response/error contract (spec.md §4.3), so
// the wrapper can expose Service itself without erasing which arm is
// readiness-polled.
type either struct {
	isA bool
	a   Service
	b   Service
}

// EitherA wraps a Service as the "A" arm of a branch.
func EitherA(svc Service) Service { return &either{isA: true, a: svc} }

// EitherB wraps a Service as the "B" arm of a branch.
func EitherB(svc Service) Service { return &either{isA: false, b: svc} }

func (e *either) Ready(ctx context.Context) error {
	if e.isA {
		return e.a.Ready(ctx)
	}
	return e.b.Ready(ctx)
}

func (e *either) Serve(ctx context.Context, req Request) (Response, error) {
	if e.isA {
		return e.a.Serve(ctx, req)
	}
	return e.b.Serve(ctx, req)
}

// IsA reports which arm of an Either-wrapped Service is live. Returns
// false (and ok=false) if svc was not produced by EitherA/EitherB.
func IsA(svc Service) (isA, ok bool) {
	e, match := svc.(*either)
	if !match {
		return false, false
	}
	return e.isA, true
}
