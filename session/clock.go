package session

import (
	"sync"
	"time"
)

// Clock is the time source of a session.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock implements Clock using the actual system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock is a Clock advanced explicitly, for deterministic tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Interval fires at most once per Every when polled from a tick.
type Interval struct {
	Every   time.Duration
	last    time.Time
	started bool
}

// NewInterval creates an interval that first fires Every after start.
func NewInterval(every time.Duration, start time.Time) *Interval {
	return &Interval{Every: every, last: start, started: true}
}

// Due reports whether Every has elapsed since the last firing, and if so
// records now as the new firing time. The first call only arms the interval.
func (i *Interval) Due(now time.Time) bool {
	if i.Every <= 0 {
		return false
	}
	if !i.started {
		i.started = true
		i.last = now
		return false
	}
	if now.Sub(i.last) < i.Every {
		return false
	}
	i.last = now
	return true
}

// Reset re-arms the interval from now.
func (i *Interval) Reset(now time.Time) {
	i.started = true
	i.last = now
}

// Stop disarms the interval until the next Due or Reset.
func (i *Interval) Stop() {
	i.started = false
}
