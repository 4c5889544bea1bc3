// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/discovery"
	"github.com/uplink-foundation/uplink/rpc"
	"github.com/uplink-foundation/uplink/transport"
)

// report collects everything the diagnostic run learned.
type report struct {
	uri     string
	trace   *rpc.DialTrace
	dialErr error
	rtt     *rttStats
	rttErr  error
	hints   []discovery.Result
}

// host extracts the URI's host for the mDNS hint, tolerating the bare
// and uplink:// forms the dialer accepts.
func (r *report) host() string {
	uri := strings.TrimPrefix(r.uri, "uplink://")
	if host, _, ok := strings.Cut(uri, ":"); ok {
		return host
	}
	return uri
}

// render writes the human-readable report.
func (r *report) render(w io.Writer) error {
	fmt.Fprintf(w, "uplink-dialdbg: %s\n", r.uri)

	if r.dialErr == nil {
		fmt.Fprintf(w, "dial: ok via %s in %s\n", r.trace.Strategy, round(r.trace.Duration))
	} else {
		fmt.Fprintf(w, "dial: FAILED after %s\n", round(r.trace.Duration))
	}
	if r.trace.Retried {
		fmt.Fprintln(w, "dial: sequence was retried once")
	}
	fmt.Fprintln(w)

	for _, attempt := range r.trace.Attempts {
		r.renderAttempt(w, attempt)
	}
	if len(r.trace.Attempts) == 0 && r.dialErr != nil {
		// Failures before any attempt (bad target, bad credential)
		// have no per-strategy breakdown.
		fmt.Fprintf(w, "failure: %s\n", failureLine(r.dialErr))
	}

	if r.rtt != nil {
		fmt.Fprintf(w, "round trips: %d pings, min %s avg %s max %s\n",
			r.rtt.Samples, round(r.rtt.Min), round(r.rtt.Avg), round(r.rtt.Max))
	}
	if r.rttErr != nil {
		fmt.Fprintf(w, "round trips: FAILED: %v\n", r.rttErr)
	}

	if r.dialErr != nil {
		if len(r.hints) > 0 {
			fmt.Fprintln(w, "\nthe machine answers multicast DNS on this network:")
			for _, hint := range r.hints {
				fmt.Fprintf(w, "  %s -> %s\n", hint.Name, hint.Addr)
			}
		} else {
			fmt.Fprintln(w, "\nno multicast DNS answers for the machine on this network")
		}
	}
	return nil
}

// renderAttempt writes one strategy's outcome and its phase table.
func (r *report) renderAttempt(w io.Writer, attempt rpc.AttemptTrace) {
	if attempt.Err == nil {
		fmt.Fprintf(w, "%s attempt: ok in %s\n", attempt.Strategy, round(attempt.Duration))
	} else {
		fmt.Fprintf(w, "%s attempt: FAILED after %s: %s\n",
			attempt.Strategy, round(attempt.Duration), failureLine(attempt.Err))
	}
	if len(attempt.Phases) > 0 {
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		for _, phase := range attempt.Phases {
			fmt.Fprintf(tw, "  %s\t+%s\n", phase.Phase, round(phase.Elapsed))
		}
		tw.Flush()
	}
	fmt.Fprintln(w)
}

// failureLine renders an error with its phase and strategy context
// first, never a bare internal message.
func failureLine(err error) string {
	var negErr *transport.NegotiationError
	if errors.As(err, &negErr) {
		return fmt.Sprintf("%s in phase %s: %s", negErr.Code, negErr.State, negErr.Message)
	}
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return fmt.Sprintf("%s: %s", transportErr.Code, transportErr.Message)
	}
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return fmt.Sprintf("auth %s: %s", authErr.Code, authErr.Message)
	}
	return err.Error()
}

// round trims durations to a display-friendly precision.
func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}
