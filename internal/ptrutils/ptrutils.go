package ptrutils

func ToPtr[T any](value T) *T {
	return &value
}

// MapPtr applies mapFunc to the pointed-to value and returns a pointer
// to the result. A nil input stays nil.
func MapPtr[T any, U any](ptr *T, mapFunc func(T) U) *U {
	if ptr == nil {
		return nil
	}
	mapped := mapFunc(*ptr)
	return &mapped
}

// ValueOr dereferences ptr or falls back to defaultValue when ptr is nil.
func ValueOr[T any](ptr *T, defaultValue T) T {
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}
