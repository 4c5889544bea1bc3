// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic clock frozen at initial. Time moves only
// through Advance. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a Clock whose time is under test control. Timers,
// tickers, and sleeps queue as pending events and fire, in deadline
// order, when Advance moves past their deadline.
//
// AfterFunc callbacks run synchronously inside Advance. Calling Sleep
// or Advance from inside such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*event
	registered *sync.Cond
}

// event is one scheduled wakeup. Exactly one of ch and fn is set.
type event struct {
	deadline time.Time
	ch       chan time.Time // After, Sleep, Ticker
	fn       func()         // AfterFunc
	period   time.Duration  // non-zero for tickers; reschedules after fire
	stopped  bool
	fired    bool // one-shot events fire at most once
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock advances past
// now+d. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &event{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past now+d. A
// non-positive d runs f synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ev := &event{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, ev)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if ev.stopped || ev.fired {
				return false
			}
			ev.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !ev.stopped && !ev.fired
			ev.stopped = false
			ev.fired = false
			ev.deadline = c.now.Add(d)
			if !active {
				// The event left the pending list when it fired;
				// put it back.
				c.pending = append(c.pending, ev)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a Ticker firing every d of fake time. Panics if d
// is not positive.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ev := &event{deadline: c.now.Add(d), ch: ch, period: d}
	c.pending = append(c.pending, ev)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ev.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			ev.period = d
			ev.deadline = c.now.Add(d)
			ev.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past now+d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending event
// whose deadline falls within the new time, in deadline order. Channel
// deliveries are non-blocking (a full buffer drops the tick, matching
// time.Ticker); AfterFunc callbacks run in the calling goroutine.
//
// Tickers whose period divides the advance several times fire once per
// elapsed period.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, ev := range due {
			if ev.fn != nil {
				ev.fn()
				continue
			}
			select {
			case ev.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes events due at or before target from the pending
// list, reschedules tickers, and returns what should fire this round.
func (c *FakeClock) takeDue(target time.Time) []*event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*event
	for _, ev := range c.pending {
		switch {
		case ev.stopped:
			// drop
		case !ev.deadline.After(target):
			due = append(due, ev)
		default:
			keep = append(keep, ev)
		}
	}
	for _, ev := range due {
		if ev.period > 0 {
			ev.deadline = ev.deadline.Add(ev.period)
			keep = append(keep, ev)
		} else {
			ev.fired = true
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n events are pending. Call it
// after starting a goroutine that registers timers and before Advance,
// so the advance cannot race the registration.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of live pending events.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, ev := range c.pending {
		if !ev.stopped {
			n++
		}
	}
	return n
}
