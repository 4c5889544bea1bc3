// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"time"

	"github.com/uplink-foundation/uplink/lib/secret"
)

// Token is a bearer token obtained from an authentication endpoint.
// Tokens handed out by an [Engine] remain owned by the engine; callers
// read them but never close them.
type Token struct {
	value     *secret.Buffer
	entity    string
	expiresAt time.Time
}

// NoAuth is the token used when dialing without credentials. It is
// empty: no bearer value is attached to the connection.
var NoAuth = &Token{}

// NewToken builds a token from a bearer value the caller already
// holds, as with externally supplied tokens. A zero expiresAt means
// the token does not expire. The bearer is copied into protected
// memory; the caller should discard its own copy.
func NewToken(bearer, entity string, expiresAt time.Time) (*Token, error) {
	if bearer == "" {
		return NoAuth, nil
	}
	value, err := secret.NewFromString(bearer)
	if err != nil {
		return nil, err
	}
	return &Token{value: value, entity: entity, expiresAt: expiresAt}, nil
}

// Empty reports whether the token carries no bearer value.
func (t *Token) Empty() bool { return t.value == nil }

// Bearer returns the token value as a string for a serialization
// boundary (an Authorization header, a wire frame). The returned copy
// should die quickly; do not store it. Empty tokens return "".
func (t *Token) Bearer() string {
	if t.value == nil {
		return ""
	}
	return t.value.String()
}

// Entity returns the entity the token was issued for.
func (t *Token) Entity() string { return t.entity }

// ExpiresAt returns the token's expiry. The zero time means the token
// does not expire.
func (t *Token) ExpiresAt() time.Time { return t.expiresAt }

// usable reports whether the token is still worth presenting at now:
// either it never expires or its expiry is at least guard away.
func (t *Token) usable(now time.Time, guard time.Duration) bool {
	if t.expiresAt.IsZero() {
		return true
	}
	return now.Add(guard).Before(t.expiresAt)
}

// close releases the token's protected memory. Only the owning engine
// calls this.
func (t *Token) close() {
	if t.value != nil {
		_ = t.value.Close()
	}
}
