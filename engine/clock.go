package engine

import "time"

// Clock abstracts the scheduler's time source so due-time arithmetic is
// testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time source used by default.
func SystemClock() Clock { return systemClock{} }
