// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	valid := map[string]CredentialKind{
		"":                      KindNone,
		"api-key":               KindAPIKey,
		"robot-secret":          KindRobotSecret,
		"robot-location-secret": KindLocationSecret,
		"external-auth":         KindExternalAuth,
	}
	for wire, want := range valid {
		got, err := ParseKind(wire)
		if err != nil {
			t.Errorf("ParseKind(%q): %v", wire, err)
			continue
		}
		if got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", wire, got, want)
		}
	}

	if _, err := ParseKind("password"); err == nil {
		t.Error("ParseKind(\"password\") succeeded, want error")
	}
}

func TestCredentialResolve(t *testing.T) {
	payload := testSecret(t, "material")

	tests := []struct {
		name       string
		cred       Credential
		wantEntity string
		wantCode   Code
	}{
		{"none needs nothing", Credential{}, "", ""},
		{"api key keeps its id", APIKey("key-id", payload), "key-id", ""},
		{"robot secret defaults entity", RobotSecret(payload), "machine.example.com", ""},
		{"explicit entity wins", Credential{Kind: KindLocationSecret, Entity: "loc-1", Payload: payload}, "loc-1", ""},
		{"api key without id", Credential{Kind: KindAPIKey, Payload: payload}, "", CodeMalformed},
		{"missing payload", Credential{Kind: KindRobotSecret}, "", CodeMalformed},
		{"unknown kind", Credential{Kind: CredentialKind("oauth"), Payload: payload}, "", CodeMalformed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			entity, err := test.cred.resolve("machine.example.com")
			if test.wantCode != "" {
				var authErr *Error
				if !errors.As(err, &authErr) || authErr.Code != test.wantCode {
					t.Fatalf("resolve error = %v, want code %q", err, test.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if entity != test.wantEntity {
				t.Errorf("entity = %q, want %q", entity, test.wantEntity)
			}
		})
	}
}

func TestIsZero(t *testing.T) {
	if !(Credential{}).IsZero() {
		t.Error("zero credential not IsZero")
	}
	if (Credential{Entity: "e"}).IsZero() {
		t.Error("credential with entity reported IsZero")
	}
}

func TestHostnameOf(t *testing.T) {
	tests := map[string]string{
		"machine.example.com:8080": "machine.example.com",
		"machine.example.com":      "machine.example.com",
		"127.0.0.1:9000":           "127.0.0.1",
		"[::1]:9000":               "::1",
		"[::1]":                    "::1",
	}
	for host, want := range tests {
		if got := hostnameOf(host); got != want {
			t.Errorf("hostnameOf(%q) = %q, want %q", host, got, want)
		}
	}
}
