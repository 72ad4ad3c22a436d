// Package clock gives the rest of this repository an injectable time
// source, so expiration, sealing timestamps, and GC pacing can be tested
// without sleeping. It is a thin re-export of facebookgo/clock, the same
// library the reference fixity checker uses for its rate-limited timers.
package clock

import fbclock "github.com/facebookgo/clock"

// Clock is the subset of facebookgo/clock.Clock this repository uses.
type Clock = fbclock.Clock

// New returns a Clock backed by the real wall clock.
func New() Clock {
	return fbclock.New()
}

// NewMock returns a Clock that only advances when told to, for tests.
func NewMock() *fbclock.Mock {
	return fbclock.NewMock()
}
