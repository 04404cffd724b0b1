package stack

// Layer builds an outer Make from an inner one, optionally changing
// the target type (TOuter -> TInner). Layers compose left to right:
// the first layer applied wraps what every later layer wraps.
type Layer[TOuter, TInner any] interface {
	Layer(next Make[TInner]) Make[TOuter]
}

// LayerFunc adapts a plain function to a Layer.
type LayerFunc[TOuter, TInner any] func(next Make[TInner]) Make[TOuter]

func (f LayerFunc[TOuter, TInner]) Layer(next Make[TInner]) Make[TOuter] { return f(next) }

// Identity returns a Layer that passes TOuter straight through to Next
// unchanged; used as the base case when composing a chain of layers
// that all share the same target type.
func Identity[T any]() Layer[T, T] {
	return LayerFunc[T, T](func(next Make[T]) Make[T] { return next })
}

// AndThen composes two same-target-type layers: the outer wraps what
// the inner wraps. `AndThen(outer, inner)` applied to `next` is
// `outer.Layer(inner.Layer(next))`.
func AndThen[T any](outer, inner Layer[T, T]) Layer[T, T] {
	return LayerFunc[T, T](func(next Make[T]) Make[T] {
		return outer.Layer(inner.Layer(next))
	})
}

// Chain composes a sequence of same-target-type layers left to right:
// Chain(a, b, c).Layer(next) == a.Layer(b.Layer(c.Layer(next))).
func Chain[T any](layers ...Layer[T, T]) Layer[T, T] {
	return LayerFunc[T, T](func(next Make[T]) Make[T] {
		out := next
		for i := len(layers) - 1; i >= 0; i-- {
			out = layers[i].Layer(out)
		}
		return out
	})
}

// Predicate decides, per target, whether a conditional layer applies.
type Predicate[T any] func(target T) bool

// AndWhen produces a Make that, per target, routes through inner when
// predicate(target) is true, else through the bare Next. This is the
// runtime branch-selection combinator of spec.md §4.3; both arms share
// the same Service contract so the caller's type never changes.
func AndWhen[T any](predicate Predicate[T], inner Layer[T, T]) Layer[T, T] {
	return LayerFunc[T, T](func(next Make[T]) Make[T] {
		wrapped := inner.Layer(next)
		return MakeFunc[T](func(target T) (Service, error) {
			if predicate(target) {
				svc, err := wrapped.MakeService(target)
				if err != nil {
					return nil, err
				}
				return EitherA(svc), nil
			}
			svc, err := next.MakeService(target)
			if err != nil {
				return nil, err
			}
			return EitherB(svc), nil
		})
	})
}
