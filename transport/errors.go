// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrChannelClosed is returned by operations on a channel that was
	// closed locally. Remote or unexpected loss is reported as an
	// [*Error] with [CodeConnectionLost] wrapping this sentinel.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrStreamClosed is returned by operations on a stream after the
	// local side closed it.
	ErrStreamClosed = errors.New("transport: stream closed")

	// ErrStreamReset is wrapped by read errors on a stream the channel
	// reset because its receive backlog overflowed, and by the peer's
	// reads once the reset notice arrives. The channel itself stays up.
	ErrStreamReset = errors.New("transport: stream reset")

	// ErrTransferred is returned by every method of a [Channel] handle
	// whose ownership was moved with [Channel.Transfer].
	ErrTransferred = errors.New("transport: channel ownership transferred")

	// errSignalerClosed is returned by signaler operations after Close.
	errSignalerClosed = errors.New("transport: signaler closed")
)

// Code classifies a direct-transport or established-channel failure.
type Code string

const (
	// CodeTLSFailed means a TCP connection was made but the TLS
	// handshake did not complete: bad certificate, protocol mismatch,
	// or a plaintext endpoint answering a TLS client.
	CodeTLSFailed Code = "tls-failed"

	// CodeConnectionRefused means the endpoint could not be reached at
	// all: refused, unreachable, or timed out before any connection
	// existed.
	CodeConnectionRefused Code = "connection-refused"

	// CodeConnectionLost means an established channel died: the peer
	// closed it, the conn failed mid-frame, or keepalive pings went
	// unanswered past the grace window.
	CodeConnectionLost Code = "connection-lost"
)

// Error is a structured transport failure. Extract it with errors.As:
//
//	var terr *transport.Error
//	if errors.As(err, &terr) && terr.Code == transport.CodeTLSFailed { ... }
type Error struct {
	// Code classifies the failure.
	Code Code
	// Addr is the remote address, when known.
	Addr string
	// Message describes the failure.
	Message string
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
	if e.Addr != "" {
		msg += fmt.Sprintf(" (addr %s)", e.Addr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnectionLost reports whether err is the loss of an established
// channel, as opposed to a failure to establish one.
func IsConnectionLost(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Code == CodeConnectionLost
}

// isChannelDown reports whether err means the channel is gone, in
// which case cleanup paths treat the operation as already done.
func isChannelDown(err error) bool {
	return errors.Is(err, ErrChannelClosed) || IsConnectionLost(err)
}

// NegotiationState names a phase of the WebRTC negotiation state
// machine. The negotiator moves through the states in order; a failure
// in any phase aborts the attempt and tags the error with the state it
// died in.
type NegotiationState string

const (
	StateIdle               NegotiationState = "idle"
	StateSignalingConnected NegotiationState = "signaling-connected"
	StateOfferSent          NegotiationState = "offer-sent"
	StateAnswerReceived     NegotiationState = "answer-received"
	StateIceGathering       NegotiationState = "ice-gathering"
	StateIceConnected       NegotiationState = "ice-connected"
	StateDataChannelOpen    NegotiationState = "data-channel-open"
	StateAuthExchanged      NegotiationState = "auth-exchanged"
	StateReady              NegotiationState = "ready"
	StateAborted            NegotiationState = "aborted"
)

// NegotiationCode classifies a WebRTC negotiation failure.
type NegotiationCode string

const (
	// CodeSignalingUnreachable means the signaling server could not be
	// reached or the session died before the exchange completed.
	CodeSignalingUnreachable NegotiationCode = "signaling-unreachable"

	// CodeICEFailed means connectivity checks failed: no candidate
	// pair worked, or the peer connection broke during setup.
	CodeICEFailed NegotiationCode = "ice-failed"

	// CodeNegotiationTimeout means a negotiation phase exceeded its
	// deadline. State records which one.
	CodeNegotiationTimeout NegotiationCode = "timeout"
)

// NegotiationError is a structured WebRTC negotiation failure. State
// records the phase the negotiator was in when the failure occurred,
// which is what a diagnostic trace wants to show.
type NegotiationError struct {
	Code    NegotiationCode
	State   NegotiationState
	Message string
	Err     error
}

func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("transport: negotiation %s in phase %s: %s", e.Code, e.State, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NegotiationError) Unwrap() error { return e.Err }
