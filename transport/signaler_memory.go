// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. The dialing side
// uses the Signaler interface; the test's answering side reads offers
// from Offers, pushes the answer and candidates back, and consumes
// LocalCandidates. No network involved.
type MemorySignaler struct {
	// ConnectErr, when set, makes Connect fail. Tests use it to
	// simulate an unreachable signaling endpoint.
	ConnectErr error

	offers      chan SessionDescription
	answers     chan SessionDescription
	remoteCand  chan ICECandidate
	localCand   chan ICECandidate
	errs        chan error
	closeOnce   sync.Once
	done        chan struct{}
}

func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:     make(chan SessionDescription, 1),
		answers:    make(chan SessionDescription, 1),
		remoteCand: make(chan ICECandidate, 16),
		localCand:  make(chan ICECandidate, 16),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}
}

func (s *MemorySignaler) Connect(ctx context.Context) error {
	return s.ConnectErr
}

func (s *MemorySignaler) Exchange(ctx context.Context, offer SessionDescription) (<-chan SessionDescription, <-chan ICECandidate, <-chan error, error) {
	select {
	case s.offers <- offer:
	case <-s.done:
		return nil, nil, nil, errSignalerClosed
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
	return s.answers, s.remoteCand, s.errs, nil
}

func (s *MemorySignaler) SendCandidate(ctx context.Context, candidate ICECandidate) error {
	select {
	case s.localCand <- candidate:
		return nil
	case <-s.done:
		return errSignalerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemorySignaler) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Offers exposes the dialing side's offer to the test's answerer.
func (s *MemorySignaler) Offers() <-chan SessionDescription { return s.offers }

// LocalCandidates exposes the dialing side's trickled candidates to
// the test's answerer.
func (s *MemorySignaler) LocalCandidates() <-chan ICECandidate { return s.localCand }

// PushAnswer delivers the answerer's SDP to the dialing side.
func (s *MemorySignaler) PushAnswer(answer SessionDescription) {
	select {
	case s.answers <- answer:
	case <-s.done:
	}
}

// PushCandidate delivers one of the answerer's candidates to the
// dialing side.
func (s *MemorySignaler) PushCandidate(candidate ICECandidate) {
	select {
	case s.remoteCand <- candidate:
	case <-s.done:
	}
}

// Fail injects a signaling failure, as a relay would report when the
// target machine is gone.
func (s *MemorySignaler) Fail(err error) {
	select {
	case s.errs <- err:
	case <-s.done:
	}
}
