// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "time"

// Strategy names a transport strategy.
type Strategy string

const (
	StrategyWebRTC Strategy = "webrtc"
	StrategyDirect Strategy = "direct"
)

// DialTrace records what a dial did and how long each part took.
// uplink-dialdbg renders one as its phase table. A trace belongs to a
// single Dial call and is written from that call's goroutine only; it
// is not safe for concurrent use.
type DialTrace struct {
	// URI is the dial target.
	URI string

	// StartedAt is when the dial began.
	StartedAt time.Time

	// Duration is the total dial time, set when the dial returns.
	Duration time.Duration

	// Strategy is the strategy that produced the channel, empty when
	// the dial failed.
	Strategy Strategy

	// Retried reports whether the sequence ran a second time.
	Retried bool

	// Attempts holds one entry per strategy attempt, in order.
	Attempts []AttemptTrace
}

// AttemptTrace records one strategy attempt.
type AttemptTrace struct {
	Strategy  Strategy
	StartedAt time.Time
	Duration  time.Duration

	// Phases holds the negotiation phases the attempt reached, with
	// the elapsed time from the attempt's start. Direct attempts have
	// no phases.
	Phases []PhaseTiming

	// Err is why the attempt failed, nil on success.
	Err error
}

// PhaseTiming marks when an attempt entered a negotiation phase.
type PhaseTiming struct {
	Phase   string
	Elapsed time.Duration
}

// begin resets the trace for a fresh dial. Nil-safe, as are all trace
// methods, so the dial path never branches on whether tracing is on.
func (t *DialTrace) begin(uri string, now time.Time) {
	if t == nil {
		return
	}
	*t = DialTrace{URI: uri, StartedAt: now}
}

// finish stamps the total duration and the winning strategy, empty on
// failure.
func (t *DialTrace) finish(strategy Strategy, now time.Time) {
	if t == nil {
		return
	}
	t.Strategy = strategy
	t.Duration = now.Sub(t.StartedAt)
}

// retried marks that the sequence ran again.
func (t *DialTrace) retried() {
	if t == nil {
		return
	}
	t.Retried = true
}

// beginAttempt appends an attempt record and returns its index, -1 on
// a nil trace. Indices stay valid across appends where a pointer into
// Attempts would not.
func (t *DialTrace) beginAttempt(strategy Strategy, now time.Time) int {
	if t == nil {
		return -1
	}
	t.Attempts = append(t.Attempts, AttemptTrace{Strategy: strategy, StartedAt: now})
	return len(t.Attempts) - 1
}

// phase records that attempt i entered phase.
func (t *DialTrace) phase(i int, phase string, now time.Time) {
	if t == nil || i < 0 {
		return
	}
	a := &t.Attempts[i]
	a.Phases = append(a.Phases, PhaseTiming{Phase: phase, Elapsed: now.Sub(a.StartedAt)})
}

// endAttempt stamps attempt i's duration and outcome.
func (t *DialTrace) endAttempt(i int, err error, now time.Time) {
	if t == nil || i < 0 {
		return
	}
	a := &t.Attempts[i]
	a.Duration = now.Sub(a.StartedAt)
	a.Err = err
}
