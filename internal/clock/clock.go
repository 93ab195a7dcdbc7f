package clock

import "time"

// Clock supplies "now" and an interruptible wait primitive.
//
// Now must be non-blocking and, for Real, monotonic. After returns a
// channel that receives once d has elapsed; d <= 0 fires immediately.
// Callers select on the channel together with their own wake-up and
// cancellation channels, so an abandoned wait costs nothing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock. time.Now carries a monotonic reading, so
// comparisons between two values from Real are immune to wall-clock
// steps.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}
