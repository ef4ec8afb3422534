// Package clock is the single time source for the engine. Everything
// that stamps rows or schedules work reads through Clock, so tests pin
// time with a fixed implementation.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock. All stored timestamps are UTC.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
