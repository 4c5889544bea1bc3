// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dialdbg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
timeouts:
  total: 30s
  webrtc_share: 0.5
ice_servers:
  - urls: ["stun:stun.example.com:3478"]
  - urls: ["turn:turn.example.com:3478"]
    username: robot
    credential: hunter2
`)
	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Timeouts.Total != 30*time.Second {
		t.Errorf("total = %v, want 30s", config.Timeouts.Total)
	}
	if config.Timeouts.WebRTCShare != 0.5 {
		t.Errorf("webrtc_share = %v, want 0.5", config.Timeouts.WebRTCShare)
	}
	servers := config.iceServers()
	if len(servers) != 2 {
		t.Fatalf("ice servers = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("first server = %+v", servers[0])
	}
	if servers[1].Username != "robot" || servers[1].Credential != "hunter2" {
		t.Errorf("turn credentials not carried: %+v", servers[1])
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	config, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
	if config.Timeouts.Total != 0 || len(config.ICEServers) != 0 {
		t.Errorf("zero config expected, got %+v", config)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "timeouts:\n  totall: 30s\n")
	if _, err := loadConfig(path); err == nil {
		t.Error("typoed config key accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestResolveCredentialNone(t *testing.T) {
	cred, err := resolveCredential(arguments{credentialType: "robot-location-secret"})
	if err != nil {
		t.Fatalf("resolveCredential: %v", err)
	}
	if !cred.IsZero() {
		t.Errorf("no credential flags produced %+v", cred)
	}
}

func TestResolveCredentialFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("location-secret-1\n"), 0600); err != nil {
		t.Fatalf("writing secret: %v", err)
	}
	cred, err := resolveCredential(arguments{
		credentialType: "robot-location-secret",
		credentialFile: path,
	})
	if err != nil {
		t.Fatalf("resolveCredential: %v", err)
	}
	defer cred.Payload.Close()
	if got := cred.Payload.String(); got != "location-secret-1" {
		t.Errorf("payload = %q, want trailing newline stripped", got)
	}
}

func TestResolveCredentialBadType(t *testing.T) {
	if _, err := resolveCredential(arguments{credentialType: "carrier-pigeon"}); err == nil {
		t.Error("unknown credential type accepted")
	}
}
