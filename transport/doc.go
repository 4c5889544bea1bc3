// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes and multiplexes connections to remote
// machines.
//
// The layers, bottom up:
//
// A binary frame codec carries length-prefixed frames tagged with a
// stream id. Stream 0 is the control stream; its frames are CBOR
// messages for stream opens and closes, keepalive pings, and the auth
// exchange. Every other stream id carries opaque bytes.
//
// [Channel] multiplexes streams over one reliable conn, either a TLS
// connection or a detached WebRTC data channel. It runs the keepalive
// loop, answers the machine side of the auth exchange, and supports
// [Channel.Transfer], which moves ownership to a fresh handle and
// poisons the old one. [Channel.Authenticate] can replace the bearer
// token on a live channel, so long-lived connections survive token
// expiry.
//
// [DirectDialer] dials machines over TLS and classifies failures into
// tls-failed, connection-refused, and connection-lost. It is the
// fallback path when WebRTC negotiation fails or is skipped.
//
// [Negotiator] drives a WebRTC dial attempt through its phases,
// exchanging SDP and trickled ICE candidates through a [Signaler].
// [WebSocketSignaler] talks to a signaling relay over a WebSocket;
// [MemorySignaler] is the in-process test double.
//
// Dials come in through the rpc package, which tries WebRTC first and
// falls back to direct TLS.
package transport
