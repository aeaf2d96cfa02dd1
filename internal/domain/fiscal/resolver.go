package fiscal

// Candidate is one step of a ranked fallback chain
type Candidate[T any] struct {
	Name string
	Pick func() (T, bool)
}

// Resolve returns the value of the first candidate that yields one together
// with the name of the candidate that matched.
func Resolve[T any](candidates ...Candidate[T]) (T, string, bool) {
	for _, c := range candidates {
		if c.Pick == nil {
			continue
		}
		if v, ok := c.Pick(); ok {
			return v, c.Name, true
		}
	}
	var zero T
	return zero, "", false
}
