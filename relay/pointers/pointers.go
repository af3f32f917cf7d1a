package pointers

// To returns a pointer to a copy of value.
func To[T any](value T) *T {
	return &value
}

// Clone returns a pointer to a copy of *ptr, or nil when ptr is nil.
func Clone[T any](ptr *T) *T {
	if ptr == nil {
		return nil
	}

	value := *ptr

	return &value
}

// Value dereferences ptr, falling back to the zero value of T.
func Value[T any](ptr *T) T {
	var zero T

	if ptr == nil {
		return zero
	}

	return *ptr
}
