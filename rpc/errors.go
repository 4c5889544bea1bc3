// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// DialCode classifies why a dial failed.
type DialCode string

const (
	// CodeAllStrategiesFailed means every transport attempt failed.
	// The error carries the per-strategy reasons.
	CodeAllStrategiesFailed DialCode = "all-strategies-failed"

	// CodeDialTimeout means the dial budget ran out before any
	// strategy produced a channel.
	CodeDialTimeout DialCode = "timeout"

	// CodeInvalidOptions means the target URI or the options were
	// rejected before any network activity.
	CodeInvalidOptions DialCode = "invalid-options"
)

// DialError reports a failed dial. For CodeAllStrategiesFailed the
// per-strategy fields hold what each attempt died of, so a caller can
// tell a signaling outage from a refused TLS connection without
// string-matching.
type DialError struct {
	Code DialCode

	// URI is the dial target as given by the caller.
	URI string

	// Message summarizes the failure.
	Message string

	// WebRTCErr is the WebRTC attempt's failure, nil when the attempt
	// was skipped.
	WebRTCErr error

	// DirectErr is the direct attempt's failure, nil when the attempt
	// was never reached.
	DirectErr error

	// Err is the underlying cause for codes with a single cause.
	Err error
}

func (e *DialError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rpc: dial %s: %s", e.URI, e.Message)
	if e.WebRTCErr != nil {
		fmt.Fprintf(&b, " (webrtc: %v)", e.WebRTCErr)
	}
	if e.DirectErr != nil {
		fmt.Fprintf(&b, " (direct: %v)", e.DirectErr)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes every underlying cause, so errors.Is and errors.As
// reach the strategy errors as well as the single-cause chain.
func (e *DialError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.WebRTCErr != nil {
		errs = append(errs, e.WebRTCErr)
	}
	if e.DirectErr != nil {
		errs = append(errs, e.DirectErr)
	}
	return errs
}

// CodeOf extracts the DialCode from err, or "" when err is not a
// *DialError.
func CodeOf(err error) DialCode {
	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return dialErr.Code
	}
	return ""
}
