// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc dials machines and hands back ready-to-use channels.
//
// [Dial] is the entry point. It parses the uplink:// target, resolves
// the credential through an auth engine, and works through the
// transport strategies in order: WebRTC negotiation first, then a
// direct TLS connection with whatever budget remains. Local targets
// skip WebRTC, since a loopback hop gains nothing from NAT traversal.
// The returned [transport.Channel] has its credential exchanged and
// its keepalive running.
//
// Failures keep their shape. A rejected credential comes back as the
// auth package's own error and stops the dial outright. Everything
// else lands in a [DialError] whose code separates exhausted budgets
// and bad options from genuine two-strategy failures, with the
// per-strategy reasons attached.
//
// A [DialTrace] passed through the options collects per-phase timings
// for diagnostics; uplink-dialdbg renders one as its phase table.
package rpc
