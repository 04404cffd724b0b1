package stack

// Shared is a Make that ignores the target and always returns a clone
// of the same value. It is the leaf used for targets that need no
// per-target construction at all (spec.md §4.3); MakeService on a
// Shared value never errors.
type Shared[T any] struct {
	Clone func() Service
}

// NewShared builds a Shared leaf from a cloning function. Pass a
// closure that returns a fresh handle sharing the underlying resource
// (e.g. a *pool.Conn wrapper), not a pointer to one mutable Service,
// since Service values are owned by one caller at a time (spec.md §3).
func NewShared[T any](clone func() Service) Shared[T] {
	return Shared[T]{Clone: clone}
}

func (s Shared[T]) MakeService(_ T) (Service, error) {
	return s.Clone(), nil
}
