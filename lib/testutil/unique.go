// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with a process-wide monotonically
// increasing N. Use it for test payloads that must stay
// distinguishable when several streams carry similar data.
//
//	payload := testutil.UniqueID("echo") // "echo-1", "echo-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
