// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mockable

import "time"

// Clock is a mockable clock. The zero value tracks wall time; Set pins it to
// a virtual instant that only Advance and Set move.
type Clock struct {
	time   time.Time
	mocked bool
}

// NewClock creates a new clock
func NewClock() *Clock {
	return &Clock{
		time: time.Now(),
	}
}

// Now returns current time
func (c *Clock) Now() time.Time {
	if c.mocked {
		return c.time
	}
	return time.Now()
}

// Set sets the clock time
func (c *Clock) Set(t time.Time) {
	c.time = t
	c.mocked = true
}

// Advance advances the clock
func (c *Clock) Advance(d time.Duration) {
	c.time = c.time.Add(d)
	c.mocked = true
}

// Real returns to real time
func (c *Clock) Real() {
	c.mocked = false
}
