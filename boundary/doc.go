// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package boundary exposes dialing to foreign callers through opaque
// handles, the shape a C calling convention can carry: integer handle
// values, small integer status codes, and byte buffers that are copied
// at the boundary and never retained.
//
// The lifecycle is explicit. [Create] decodes a CBOR config blob and
// allocates a [Handle]; [Dial] runs the dial behind it; [Send],
// [Receive], and [Serve] use the dialed channel; [Destroy] releases
// everything. Handle values index a process-owned table and are never
// reused, so a call on a destroyed or fabricated handle fails with
// [CodeInvalidHandle] instead of touching freed state. [LastError]
// returns the handle's most recent failure as a CBOR blob with the
// category, code, and message, for callers that want more than the
// status code.
//
// [Serve] starts a [proxy.Proxy] on the handle's channel and returns
// the unix socket path, so a foreign process can hand the dialed
// connection to local clients that speak the frame protocol directly.
package boundary
