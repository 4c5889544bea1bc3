// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
)

// Code classifies an authentication failure.
type Code string

const (
	// CodeUnauthorized means the endpoint examined the credential and
	// rejected it. Terminal: no retry or fallback can succeed with the
	// same credential.
	CodeUnauthorized Code = "unauthorized"

	// CodeUnreachable means the endpoint could not be reached or
	// answered with a server failure. The credential was never judged.
	CodeUnreachable Code = "unreachable"

	// CodeMalformed means the credential or the exchange itself was
	// structurally invalid: a kind that needs an entity without one,
	// an empty payload, or a response that could not be parsed.
	CodeMalformed Code = "malformed"
)

// Error is a structured authentication failure. Extract it with
// errors.As:
//
//	var authErr *auth.Error
//	if errors.As(err, &authErr) && authErr.Code == auth.CodeUnauthorized { ... }
type Error struct {
	// Code classifies the failure.
	Code Code
	// Entity is the entity the exchange was for, when known.
	Entity string
	// Endpoint is the authentication endpoint host, when known.
	Endpoint string
	// Message describes the failure. Never contains payload bytes.
	Message string
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity %q)", e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is an authentication rejection.
// The dialer uses this to abort instead of falling back: the next
// strategy would present the same credential.
func IsUnauthorized(err error) bool {
	var authErr *Error
	return errors.As(err, &authErr) && authErr.Code == CodeUnauthorized
}

// CodeOf returns the authentication failure code carried by err, or
// "" when err is not an authentication failure.
func CodeOf(err error) Code {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}
