// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock reports wall time in UTC.
type Clock struct{}

// New returns a wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed time from t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
