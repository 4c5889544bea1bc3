// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/uplink-foundation/uplink/lib/secret"
)

// CredentialKind names a credential type. The values are the wire
// strings the authentication endpoint expects.
type CredentialKind string

const (
	// KindNone dials without authenticating. Local development setups
	// and machines behind their own access control use this.
	KindNone CredentialKind = ""

	// KindAPIKey authenticates with an API key. The credential's
	// Entity is the key's ID and is required.
	KindAPIKey CredentialKind = "api-key"

	// KindRobotSecret authenticates with a machine's own secret.
	KindRobotSecret CredentialKind = "robot-secret"

	// KindLocationSecret authenticates with the secret shared by all
	// machines at a location.
	KindLocationSecret CredentialKind = "robot-location-secret"

	// KindExternalAuth exchanges a bearer token minted elsewhere for
	// one scoped to the target entity.
	KindExternalAuth CredentialKind = "external-auth"
)

// ParseKind maps a wire string to a CredentialKind. The empty string
// parses as KindNone.
func ParseKind(s string) (CredentialKind, error) {
	switch kind := CredentialKind(s); kind {
	case KindNone, KindAPIKey, KindRobotSecret, KindLocationSecret, KindExternalAuth:
		return kind, nil
	default:
		return KindNone, fmt.Errorf("auth: unknown credential type %q", s)
	}
}

// Credential pairs a kind with an entity and a secret payload. The
// payload buffer is borrowed, not owned: the caller decides when to
// close it, typically right after the first token is obtained.
type Credential struct {
	Kind CredentialKind

	// Entity is who the credential speaks for. Required for KindAPIKey
	// (the key ID); defaults to the endpoint host for the secret kinds
	// when empty.
	Entity string

	// Payload is the secret material. Required for every kind except
	// KindNone.
	Payload *secret.Buffer
}

// APIKey builds an API key credential. id is the key's ID and becomes
// the entity.
func APIKey(id string, key *secret.Buffer) Credential {
	return Credential{Kind: KindAPIKey, Entity: id, Payload: key}
}

// RobotSecret builds a machine-secret credential.
func RobotSecret(payload *secret.Buffer) Credential {
	return Credential{Kind: KindRobotSecret, Payload: payload}
}

// LocationSecret builds a location-secret credential.
func LocationSecret(payload *secret.Buffer) Credential {
	return Credential{Kind: KindLocationSecret, Payload: payload}
}

// ExternalToken builds an external-auth credential from a token minted
// by another authority, to be exchanged for one scoped to toEntity.
func ExternalToken(toEntity string, token *secret.Buffer) Credential {
	return Credential{Kind: KindExternalAuth, Entity: toEntity, Payload: token}
}

// IsZero reports whether the credential is absent entirely.
func (c Credential) IsZero() bool {
	return c.Kind == KindNone && c.Entity == "" && c.Payload == nil
}

// Validate checks the credential's structure against the endpoint it
// will authenticate at, without touching the network. Dialers call it
// before spending any of their budget. Violations are *Error with
// CodeMalformed.
func (c Credential) Validate(endpointHost string) error {
	_, err := c.resolve(endpointHost)
	return err
}

// resolve validates the credential and returns the entity to
// authenticate as, defaulting to endpointHost where the kind allows
// it. Violations are *Error with CodeMalformed; nothing has touched
// the network yet.
func (c Credential) resolve(endpointHost string) (string, error) {
	switch c.Kind {
	case KindNone:
		return "", nil
	case KindAPIKey:
		if c.Entity == "" {
			return "", &Error{
				Code:     CodeMalformed,
				Endpoint: endpointHost,
				Message:  "api-key credentials require an entity (the key ID)",
			}
		}
	case KindRobotSecret, KindLocationSecret, KindExternalAuth:
		// Entity optional; defaults below.
	default:
		return "", &Error{
			Code:     CodeMalformed,
			Endpoint: endpointHost,
			Message:  fmt.Sprintf("unknown credential type %q", string(c.Kind)),
		}
	}

	if c.Payload == nil || c.Payload.Len() == 0 {
		return "", &Error{
			Code:     CodeMalformed,
			Entity:   c.Entity,
			Endpoint: endpointHost,
			Message:  fmt.Sprintf("%s credentials require a payload", string(c.Kind)),
		}
	}

	entity := c.Entity
	if entity == "" {
		entity = endpointHost
	}
	return entity, nil
}
