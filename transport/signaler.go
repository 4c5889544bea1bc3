// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// SessionDescription carries an SDP offer or answer across the
// signaling channel.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries one trickled ICE candidate. A zero candidate
// (empty Candidate string) marks the end of gathering on that side.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Done reports whether this is the end-of-candidates marker.
func (c ICECandidate) Done() bool { return c.Candidate == "" }

// Signaler exchanges SDP descriptions and trickled ICE candidates with
// a machine's signaling endpoint. A signaler carries exactly one
// exchange: Connect, one Exchange, candidates both ways, Close.
//
// Implementations deliver each remote message at most once and must
// not block the negotiator: the channels Exchange returns are consumed
// by a single goroutine in a select loop.
type Signaler interface {
	// Connect establishes the signaling session. The negotiator calls
	// it exactly once, before Exchange.
	Connect(ctx context.Context) error

	// Exchange sends the local offer and returns channels for the
	// remote answer, remote candidates, and signaling failures. The
	// channels stay valid until Close.
	Exchange(ctx context.Context, offer SessionDescription) (<-chan SessionDescription, <-chan ICECandidate, <-chan error, error)

	// SendCandidate trickles one local candidate, or the
	// end-of-candidates marker, to the remote side.
	SendCandidate(ctx context.Context, candidate ICECandidate) error

	// Close tears the signaling session down. Idempotent; the
	// negotiator closes the signaler as soon as ICE connects, since
	// the session has served its purpose by then.
	Close() error
}
