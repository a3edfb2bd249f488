package utils

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

// Unique returns arr without repeated items, keeping first occurrences.
func Unique[T comparable](arr []T) []T {
	seen := make(map[T]struct{}, len(arr))
	result := make([]T, 0, len(arr))

	for _, i := range arr {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		result = append(result, i)
	}

	return result
}
