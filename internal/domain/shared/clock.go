package shared

import "time"

// Clock supplies the current time. Services take one so tests can pin it.
type Clock func() time.Time

// SystemClock returns the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Now returns the clock's time, falling back to the system clock when nil
func (c Clock) Now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c().UTC()
}
