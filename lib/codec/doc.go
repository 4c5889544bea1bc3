// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Uplink's standard CBOR encoding configuration.
//
// Uplink uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the authentication endpoint,
//     signaling envelopes, and CLI output.
//   - CBOR for internal protocols: channel control frames and the
//     byte blobs crossing the language boundary.
//
// Every package encodes through this one configuration so the wire
// never depends on which package produced the bytes. The encoder uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Same logical
// data always produces identical bytes.
//
// Types serialized only as CBOR carry `cbor` struct tags; types that
// also serve JSON carry `json` tags, which fxamacker/cbor reads as a
// fallback. Never use both tags on one field.
package codec
