// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credential material in memory the Go runtime
// cannot leak.
//
// A [Buffer] lives in an anonymous mmap region outside the Go heap,
// locked into RAM with mlock and excluded from core dumps with
// madvise(MADV_DONTDUMP). Close zeroes, unlocks, and unmaps it. The
// garbage collector never sees the region, so nothing copies or
// relocates the secret behind our back.
//
// Credential payloads and derived tokens travel through the dialing
// stack as Buffers and are converted to string only at a
// serialization boundary (an HTTP header, a wire frame). [Zero]
// scrubs transient heap slices that briefly held secret bytes.
package secret
