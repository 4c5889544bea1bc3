// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for Uplink package tests.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap channel
// operations in a select with a wall-clock fallback, so a broken
// goroutine fails the test instead of hanging it. They are the only
// sanctioned use of real time.After in the test suite; everything
// else drives time through lib/clock's fake.
//
// [SocketDir] creates a short-pathed temporary directory in /tmp for
// Unix domain sockets, which are limited to 108-byte paths (sun_path
// in sockaddr_un) that t.TempDir() can exceed under some runners.
//
// [UniqueID] produces monotonically increasing identifiers for test
// payloads that must be distinguishable across streams.
//
// All helpers call t.Fatalf on failure; test setup failures are not
// recoverable.
package testutil
