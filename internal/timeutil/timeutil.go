// Package timeutil decouples the engine's notion of "now" from the host
// clock so tests can drive time deterministically and production code can
// still read "now" from the store (see base.Store.Now) for cross-worker
// monotonicity.
package timeutil

import (
	"sync"
	"time"
)

// A Clock tells the current time. Inject one rather than calling time.Now()
// directly so tests can swap in a SimulatedClock.
type Clock interface {
	Now() time.Time
}

// NewRealClock returns a Clock backed by the host's wall clock.
func NewRealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SimulatedClock is a Clock that only advances when told to. Safe for
// concurrent use.
type SimulatedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewSimulatedClock returns a SimulatedClock initialized to t.
func NewSimulatedClock(t time.Time) *SimulatedClock {
	return &SimulatedClock{t: t}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// SetTime pins the clock to t.
func (c *SimulatedClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// AdvanceTime moves the clock forward by d (d may be negative).
func (c *SimulatedClock) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
