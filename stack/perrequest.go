package stack

import "context"

// perRequestService invokes make once per call and discards the built
// Service afterward, per spec.md §4.3: "given a Make<T>, expose a
// service that on every call invokes make(&T) and calls the new
// service once." If Ready was called first it pre-builds a "next"
// instance and hands it out on the following Serve, so Ready itself
// can surface a MakeError before the caller commits to the call.
type perRequestService[T any] struct {
	make   Make[T]
	target T

	next Service // pre-built by Ready, consumed by the next Serve
}

// PerRequest builds a Service that constructs and uses a fresh inner
// Service for every call, suited to HTTP/1 hosts that must not reuse
// connections across logical requests (spec.md §4.3).
func PerRequest[T any](mk Make[T], target T) Service {
	return &perRequestService[T]{make: mk, target: target}
}

func (p *perRequestService[T]) Ready(ctx context.Context) error {
	if p.next != nil {
		return p.next.Ready(ctx)
	}
	svc, err := p.make.MakeService(p.target)
	if err != nil {
		return &MakeError{Err: err}
	}
	if err := svc.Ready(ctx); err != nil {
		return err
	}
	p.next = svc
	return nil
}

func (p *perRequestService[T]) Serve(ctx context.Context, req Request) (Response, error) {
	svc := p.next
	if svc != nil {
		p.next = nil
		return svc.Serve(ctx, req)
	}
	// Ready was never called (or raced): build inline.
	built, err := p.make.MakeService(p.target)
	if err != nil {
		return nil, &MakeError{Err: err}
	}
	return built.Serve(ctx, req)
}
