package stack

// Optional permits a layer to be applied conditionally at construction
// time without changing the caller's type: a nil Optional binds as the
// identity (spec.md §4.3, §8's round-trip law
// `Optional::none().bind(next).make(t) == next.make(t)`).
type Optional[T any] struct {
	layer Layer[T, T]
}

// Some wraps a present layer.
func Some[T any](layer Layer[T, T]) Optional[T] { return Optional[T]{layer: layer} }

// None returns the absent optional layer.
func None[T any]() Optional[T] { return Optional[T]{} }

// IsSome reports whether the optional holds a layer.
func (o Optional[T]) IsSome() bool { return o.layer != nil }

// Bind applies the wrapped layer to next, or returns next unchanged
// when the optional is None.
func (o Optional[T]) Bind(next Make[T]) Make[T] {
	if o.layer == nil {
		return next
	}
	return o.layer.Layer(next)
}
