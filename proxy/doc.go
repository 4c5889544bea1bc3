// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy shares one dialed channel between local processes.
//
// Dialing is expensive, WebRTC negotiation especially, and a machine
// connection is multiplexed anyway. [Proxy.Serve] takes ownership of a
// dialed [transport.Channel] and exposes it on a unix socket; any local
// process that connects gets its own logical streams over the shared
// channel without dialing, without credentials, and without knowing
// which transport strategy won.
//
// Clients speak the channel's own frame protocol on the socket: length
// prefix, uint32 stream id, payload, with stream id zero carrying CBOR
// control frames (see [transport.WriteFrame] and
// [transport.ControlFrame]). A client opens a stream by sending
// OpOpenStream with an id of its choosing; the proxy opens a matching
// stream on the shared channel, answers OpAcceptStream, and from then
// on forwards data frames both ways, translating between the client's
// id and the channel's. Stream ids are scoped per client connection,
// so clients never collide or see each other's traffic.
//
// When the shared channel dies, every connected client receives an
// OpError control frame with code "channel-closed" before its
// connection is dropped. The proxy never re-dials: clients may hold
// stream state that a fresh channel would silently invalidate, so loss
// is surfaced, not papered over.
package proxy
