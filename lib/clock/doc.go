// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so the dialing stack can be tested
// without sleeping.
//
// Keepalive intervals, negotiation phase timeouts, and token expiry all
// flow through a [Clock]. Production code injects [Real]; tests inject
// [Fake] and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	ch := newChannel(conn, withClock(c))
//	c.WaitForTimers(1)              // keepalive ticker registered
//	c.Advance(10 * time.Second)     // fires the first ping
//
// [FakeClock.WaitForTimers] closes the race between a goroutine
// registering a timer and the test advancing past its deadline, which
// is what makes grace-window tests deterministic.
package clock
