// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"sync"
)

// Stream is one bidirectional byte stream multiplexed over a [Channel].
// Reads and writes translate to data frames on the channel's conn.
//
// Like net.Conn, one reader and one writer may run in parallel, but
// concurrent Reads (or concurrent Writes) are not supported.
type Stream struct {
	id  uint32
	mux *mux

	// recv carries data frame payloads from the channel read loop.
	// Only the read loop sends to or closes it.
	recv chan []byte

	// leftover holds the unread tail of the last delivered payload.
	leftover []byte

	mu        sync.Mutex
	remoteErr error // set before recv closes when the end was not clean

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(m *mux, id uint32) *Stream {
	return &Stream{
		id:     id,
		mux:    m,
		recv:   make(chan []byte, streamRecvBacklog),
		closed: make(chan struct{}),
	}
}

// ID returns the stream id used in frames. The proxy exposes it to
// local clients when translating their ids onto the shared channel.
func (s *Stream) ID() uint32 { return s.id }

// Read returns stream data in frame order. After the remote side
// closes the stream it returns io.EOF once all delivered data has been
// read; if the channel died instead, it returns the channel's error.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	default:
	}
	select {
	case data, ok := <-s.recv:
		if !ok {
			return 0, s.endOfStream()
		}
		n := copy(p, data)
		if n < len(data) {
			s.leftover = data[n:]
		}
		return n, nil
	case <-s.closed:
		return 0, ErrStreamClosed
	}
}

// endOfStream is the error for reads past the last byte: io.EOF for a
// clean remote close, the stream or channel failure otherwise.
func (s *Stream) endOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteErr != nil {
		return s.remoteErr
	}
	return io.EOF
}

// Write sends p as one or more data frames. Writes larger than a frame
// payload are split; the remote side sees the same byte sequence.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	default:
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxFramePayload {
			chunk = chunk[:MaxFramePayload]
		}
		if err := s.mux.sendFrame(s.id, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the stream and tells the remote side. Data the remote
// already sent is discarded. Idempotent; closing a stream on a dead
// channel succeeds.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mux.dropStream(s.id)
		err = s.mux.sendControl(ControlFrame{Op: OpCloseStream, StreamID: s.id})
	})
	if err != nil && !isChannelDown(err) {
		return err
	}
	return nil
}

// remoteClose ends the stream from the channel side: the remote closed
// it (err nil) or the channel died (err non-nil). Only the channel
// read loop calls this, after removing the stream from the mux table,
// so no payload send can race the close of recv.
func (s *Stream) remoteClose(err error) {
	s.mu.Lock()
	if s.remoteErr == nil {
		s.remoteErr = err
	}
	s.mu.Unlock()
	close(s.recv)
}
