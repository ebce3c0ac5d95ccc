package sliceutils

func Map[S any, T any](f func(s S) T, sourceSlice []S) []T {
	targetSlice := make([]T, 0, len(sourceSlice))
	for _, sourceElement := range sourceSlice {
		targetSlice = append(targetSlice, f(sourceElement))
	}
	return targetSlice
}

func Filter[T any](pred func(t T) bool, sourceSlice []T) []T {
	targetSlice := []T{}
	for _, element := range sourceSlice {
		if pred(element) {
			targetSlice = append(targetSlice, element)
		}
	}
	return targetSlice
}

// RemoveByIndex removes the element at index i without preserving order.
func RemoveByIndex[T any](s []T, i int) []T {
	s[i] = s[len(s)-1]
	return s[:len(s)-1]
}
