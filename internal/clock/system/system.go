// Package system provides a real clock implementation.
package system

import "time"

// Clock implements download.Clock on the wall clock. Deadlines and
// navigation schedules are computed in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
