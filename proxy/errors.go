// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "fmt"

// Code classifies a proxy failure.
type Code string

const (
	// CodeChannelClosed means the shared channel died while the proxy
	// was serving it. Every connected client is notified and dropped.
	CodeChannelClosed Code = "channel-closed"

	// CodeEndpointBindFailed means the unix socket could not be
	// created, so the proxy never started serving.
	CodeEndpointBindFailed Code = "endpoint-bind-failed"
)

// Error is a structured proxy failure. Extract it with errors.As:
//
//	var perr *proxy.Error
//	if errors.As(err, &perr) && perr.Code == proxy.CodeEndpointBindFailed { ... }
type Error struct {
	// Code classifies the failure.
	Code Code
	// SocketPath is the unix socket involved, when known.
	SocketPath string
	// Message describes the failure.
	Message string
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("proxy: %s: %s", e.Code, e.Message)
	if e.SocketPath != "" {
		msg += fmt.Sprintf(" (socket %s)", e.SocketPath)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
