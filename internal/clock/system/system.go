// Package system provides the wall clock used for cache expiry and health
// timestamps.
package system

import "time"

// Resolution is the precision Now reports. It matches what the Postgres page
// store keeps, so entries read back compare equal to what was written.
const Resolution = time.Microsecond

// Clock implements crawler.Clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Resolution.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Resolution)
}
