// Package testutil holds helpers shared by tests of several packages.
package testutil

import (
	"sync"
	"time"
)

// StepClock is a deterministic clock for tests that measure durations.
// Every call to Now advances it by a fixed step, so a duration measured
// across n calls is exactly n steps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewStepClock creates a clock starting at start that advances by step.
//
// The first call to Now returns start.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{start: start, now: start, step: step}
}

// Now returns the current time and advances the clock by one step.
// Its signature matches time.Now so it can be injected directly.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Calls returns how many times Now has been called since the last Reset.
func (c *StepClock) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.now.Sub(c.start) / c.step)
}

// Reset rewinds the clock to its start time.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
