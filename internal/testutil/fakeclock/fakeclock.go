// Package fakeclock is a virtual clock that jumps forward on every wait.
package fakeclock

import (
	"sync"
	"time"
)

type Clock struct {
	mu        sync.Mutex
	now       time.Time
	onAdvance func(now time.Time)
}

func New(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d right away and returns a fired channel.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	hook := c.onAdvance
	c.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// OnAdvance runs fn after every advance, outside the clock lock.
func (c *Clock) OnAdvance(fn func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdvance = fn
}
