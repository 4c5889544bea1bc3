// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small network I/O helpers shared by the
// dialing stack.
//
// The HTTP helpers ([ReadResponse], [DecodeResponse], [ErrorBody])
// bound every response body read at [MaxResponseSize] so a misbehaving
// authentication endpoint cannot make the client allocate without
// limit. They are for small JSON API responses, not streaming bodies.
//
// [IsExpectedCloseError] classifies the errors that normal connection
// teardown produces, so accept loops and frame readers can tell a
// deliberate shutdown from a real failure.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads: 16 MB. Token
// responses are a few hundred bytes; the bound exists only to keep a
// pathological server from exhausting memory.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON API response body, bounded at
// MaxResponseSize. Use instead of io.ReadAll on HTTP bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded JSON API response body and decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for inclusion in a
// diagnostic message. Read errors are swallowed; a partial or empty
// body is still useful in an error string.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
