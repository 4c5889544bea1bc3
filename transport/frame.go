// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/uplink-foundation/uplink/lib/codec"
)

// Frame wire format, over any reliable byte stream:
//
//	uint32 big-endian length    payload length + 4
//	uint32 big-endian stream id
//	payload
//
// Stream id 0 is reserved for control frames; their payload is a
// CBOR-encoded ControlFrame. Every other id carries stream data.
//
// The codec is exported because the same framing runs on the proxy's
// unix socket, where clients outside this module speak it.

// MaxFramePayload is the largest payload a single frame may carry.
// Larger stream writes are split across frames. The cap keeps each
// frame, header included, inside a single SCTP message on a WebRTC
// data channel.
const MaxFramePayload = 16373

// frameHeaderSize is the wire size of the length and stream id prefix.
const frameHeaderSize = 8

// ControlStreamID is the reserved stream id for control frames.
const ControlStreamID uint32 = 0

// ControlOp identifies a control frame's operation.
type ControlOp uint8

const (
	OpOpenStream   ControlOp = 1
	OpAcceptStream ControlOp = 2
	OpCloseStream  ControlOp = 3
	OpError        ControlOp = 4
	OpPing         ControlOp = 5
	OpPong         ControlOp = 6
	OpAuth         ControlOp = 7
	OpAuthOK       ControlOp = 8
)

func (op ControlOp) String() string {
	switch op {
	case OpOpenStream:
		return "open-stream"
	case OpAcceptStream:
		return "accept-stream"
	case OpCloseStream:
		return "close-stream"
	case OpError:
		return "error"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpAuth:
		return "auth"
	case OpAuthOK:
		return "auth-ok"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Error codes carried by OpError frames.
const (
	ControlCodeUnauthorized  = "unauthorized"
	ControlCodeStreamRefused = "stream-refused"
	ControlCodeStreamReset   = "stream-reset"
)

// ControlFrame is the CBOR payload of every frame on stream 0. Integer
// keys keep control frames small; unknown keys are ignored on decode
// so the format can grow.
type ControlFrame struct {
	Op       ControlOp `cbor:"1,keyasint"`
	StreamID uint32    `cbor:"2,keyasint,omitempty"`
	Code     string    `cbor:"3,keyasint,omitempty"`
	Message  string    `cbor:"4,keyasint,omitempty"`
	Token    string    `cbor:"5,keyasint,omitempty"`
	Entity   string    `cbor:"6,keyasint,omitempty"`
	Seq      uint64    `cbor:"7,keyasint,omitempty"`
}

// WriteFrame writes one frame to w as a single Write call, so
// message-oriented conns carry one frame per message. The caller
// serializes writes.
func WriteFrame(w io.Writer, streamID uint32, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("transport: frame payload %d bytes exceeds %d", len(payload), MaxFramePayload)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload))+4)
	binary.BigEndian.PutUint32(buf[4:8], streamID)
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. The returned payload is freshly
// allocated and safe to hold.
func ReadFrame(r io.Reader) (streamID uint32, payload []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length < 4 {
		return 0, nil, fmt.Errorf("transport: frame length %d below minimum", length)
	}
	payloadLen := length - 4
	if payloadLen > MaxFramePayload {
		return 0, nil, fmt.Errorf("transport: frame payload %d bytes exceeds %d", payloadLen, MaxFramePayload)
	}
	streamID = binary.BigEndian.Uint32(header[4:8])
	if payloadLen == 0 {
		return streamID, nil, nil
	}
	payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("transport: reading frame payload: %w", err)
	}
	return streamID, payload, nil
}

// EncodeControl serializes a control frame for stream 0.
func EncodeControl(frame ControlFrame) ([]byte, error) {
	payload, err := codec.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding %s control frame: %w", frame.Op, err)
	}
	return payload, nil
}

// DecodeControl parses a stream 0 payload.
func DecodeControl(payload []byte) (ControlFrame, error) {
	var frame ControlFrame
	if err := codec.Unmarshal(payload, &frame); err != nil {
		return ControlFrame{}, fmt.Errorf("transport: decoding control frame: %w", err)
	}
	return frame, nil
}
