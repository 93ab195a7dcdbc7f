package clock

import (
	"sync"
	"time"
)

// Sim returns a SimClock starting at the given time.
func Sim(start time.Time) *SimClock {
	return &SimClock{current: start}
}

// SimClock is virtual time: every wait completes at once and moves the
// clock forward by the waited duration. A loop driven by a SimClock
// visits the same instants a real-time run would, without sleeping.
type SimClock struct {
	mu      sync.Mutex
	current time.Time
	waited  time.Duration
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SimClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
		c.waited += d
	}
	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

// Elapsed reports the total virtual time spent waiting.
func (c *SimClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waited
}
