package risk

// Result is a tagged decode outcome: either a valid value or the reason it was rejected.
type Result[T any] struct {
	value  T
	reason string
	ok     bool
}

// Ok wraps a valid value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Invalid records why decoding failed.
func Invalid[T any](reason string) Result[T] {
	return Result[T]{reason: reason}
}

// Get returns the value and whether it is valid.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.ok
}

// Valid reports whether the result holds a value.
func (r Result[T]) Valid() bool {
	return r.ok
}

// Reason returns the rejection reason, empty for valid results.
func (r Result[T]) Reason() string {
	return r.reason
}
