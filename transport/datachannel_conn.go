// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
)

// dataChannelReadBuffer must hold the largest message a peer sends. A
// frame is at most frameHeaderSize+MaxFramePayload bytes and each
// frame is written as one message, so 64 KiB is ample.
const dataChannelReadBuffer = 65536

// dataChannelConn adapts a detached pion data channel to the
// byte-stream contract the frame codec expects. Detached channels are
// message oriented: Read returns exactly one message and fails with
// io.ErrShortBuffer when the destination is too small. The adapter
// reads each message into its own buffer and hands bytes out as the
// caller asks for them.
//
// Writes pass through untouched. The frame codec writes each frame
// with a single Write call, so one frame travels as one SCTP message
// and never splits across message boundaries.
type dataChannelConn struct {
	rwc io.ReadWriteCloser

	buf     []byte
	pending []byte
}

// NewDataChannelConn wraps a detached data channel for use with
// [NewChannel]. Answering peers detach their side of the data channel
// and need the same adaptation the dialer applies.
func NewDataChannelConn(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	return &dataChannelConn{
		rwc: rwc,
		buf: make([]byte, dataChannelReadBuffer),
	}
}

func (c *dataChannelConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	n, err := c.rwc.Read(c.buf)
	if n > 0 {
		copied := copy(p, c.buf[:n])
		if copied < n {
			// pending aliases buf, which is safe: buf is only
			// overwritten once pending drains.
			c.pending = c.buf[copied:n]
		}
		return copied, nil
	}
	return 0, err
}

func (c *dataChannelConn) Write(p []byte) (int, error) {
	return c.rwc.Write(p)
}

func (c *dataChannelConn) Close() error {
	return c.rwc.Close()
}
