// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface used by the dialing stack. Anything that
// reads the wall clock or schedules work in the future takes one of
// these instead of calling the time package, so tests can drive expiry
// and timeout paths without real delays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer's C is
	// nil, matching time.AfterFunc. A non-positive d runs f at once.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker that delivers on C every d. Panics if
	// d is not positive, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C is buffered with capacity 1;
// a slow consumer drops ticks rather than queuing them, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the cycle; the next tick
// arrives a full new interval from now.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a single scheduled event. Timers produced by AfterFunc have
// a nil C.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. It reports whether the
// timer was still armed when Reset was called.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
