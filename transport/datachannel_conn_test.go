// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// messagePipe mimics a detached data channel: each Write delivers one
// message, each Read returns exactly one whole message.
type messagePipe struct {
	peer *messagePipe
	in   chan []byte
	once sync.Once
	done chan struct{}
}

func newMessagePipePair() (*messagePipe, *messagePipe) {
	a := &messagePipe{in: make(chan []byte, 16), done: make(chan struct{})}
	b := &messagePipe{in: make(chan []byte, 16), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *messagePipe) Read(buf []byte) (int, error) {
	// Drain buffered messages before noticing a close.
	select {
	case msg := <-p.in:
		if len(buf) < len(msg) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, msg), nil
	default:
	}
	select {
	case msg := <-p.in:
		if len(buf) < len(msg) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, msg), nil
	case <-p.done:
		return 0, io.EOF
	case <-p.peer.done:
		return 0, io.EOF
	}
}

func (p *messagePipe) Write(buf []byte) (int, error) {
	msg := append([]byte(nil), buf...)
	select {
	case p.peer.in <- msg:
		return len(buf), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	case <-p.peer.done:
		return 0, io.ErrClosedPipe
	}
}

func (p *messagePipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func TestDataChannelConnReassemblesAcrossSmallReads(t *testing.T) {
	a, b := newMessagePipePair()
	conn := NewDataChannelConn(b)
	if _, err := a.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got []byte
	buf := make([]byte, 3)
	for len(got) < 10 {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "0123456789" {
		t.Errorf("reassembled = %q, want %q", got, "0123456789")
	}
}

func TestDataChannelConnOneFramePerMessage(t *testing.T) {
	a, b := newMessagePipePair()
	conn := NewDataChannelConn(a)
	payload := []byte("single message")
	if err := WriteFrame(conn, 4, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case msg := <-b.in:
		if len(msg) != frameHeaderSize+len(payload) {
			t.Errorf("message length = %d, want %d", len(msg), frameHeaderSize+len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
	}
}

func TestDataChannelConnFrameRoundTrip(t *testing.T) {
	a, b := newMessagePipePair()
	sender := NewDataChannelConn(a)
	receiver := NewDataChannelConn(b)

	payload := bytes.Repeat([]byte{0xC4}, MaxFramePayload)
	if err := WriteFrame(sender, 9, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	streamID, got, err := ReadFrame(receiver)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if streamID != 9 {
		t.Errorf("streamID = %d, want 9", streamID)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload did not survive the message boundary")
	}
}

// TestChannelOverMessagePipe runs the full mux over message-oriented
// conns, the same shape the WebRTC path sees.
func TestChannelOverMessagePipe(t *testing.T) {
	a, b := newMessagePipePair()
	dialer := NewChannel(NewDataChannelConn(a), ChannelConfig{Logger: testLogger()})
	machine := NewChannel(NewDataChannelConn(b), ChannelConfig{Logger: testLogger()})
	t.Cleanup(func() {
		dialer.Close()
		machine.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		s, err := machine.AcceptStream(ctx)
		if err != nil {
			t.Errorf("AcceptStream: %v", err)
			return
		}
		io.Copy(s, s)
	}()

	s, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := s.Write([]byte("message framing")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "message framing" {
		t.Errorf("echo = %q, want %q", got, "message framing")
	}
}
