// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"testing"
	"time"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		uri     string
		host    string
		port    string
		wantErr bool
	}{
		{uri: "uplink://robot-7.example.com", host: "robot-7.example.com", port: "8443"},
		{uri: "uplink://robot-7.example.com:9000", host: "robot-7.example.com", port: "9000"},
		{uri: "uplink://robot-7.example.com/", host: "robot-7.example.com", port: "8443"},
		{uri: "uplink://[2001:db8::1]:9000", host: "2001:db8::1", port: "9000"},
		{uri: "robot-7.example.com", host: "robot-7.example.com", port: "8443"},
		{uri: "robot-7.example.com:9000", host: "robot-7.example.com", port: "9000"},
		{uri: "localhost", host: "localhost", port: "8443"},
		{uri: "127.0.0.1:9000", host: "127.0.0.1", port: "9000"},
		{uri: "[::1]:9000", host: "::1", port: "9000"},
		{uri: "[::1]", host: "::1", port: "8443"},
		{uri: "::1", host: "::1", port: "8443"},
		{uri: "", wantErr: true},
		{uri: "https://robot-7.example.com", wantErr: true},
		{uri: "uplink://", wantErr: true},
		{uri: "uplink://robot-7.example.com/api", wantErr: true},
		{uri: "uplink://operator@robot-7.example.com", wantErr: true},
		{uri: "uplink://robot-7.example.com:99999", wantErr: true},
		{uri: "robot-7.example.com:0", wantErr: true},
		{uri: "robot-7.example.com:webrtc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			target, err := parseTarget(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseTarget(%q) = %+v, want error", tt.uri, target)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTarget(%q): %v", tt.uri, err)
			}
			if target.host != tt.host || target.port != tt.port {
				t.Errorf("parseTarget(%q) = (%q, %q), want (%q, %q)",
					tt.uri, target.host, target.port, tt.host, tt.port)
			}
		})
	}
}

func TestDialTargetAddr(t *testing.T) {
	if got := (dialTarget{host: "::1", port: "9000"}).addr(); got != "[::1]:9000" {
		t.Errorf("addr() = %q, want %q", got, "[::1]:9000")
	}
	if got := (dialTarget{host: "robot-7", port: "8443"}).addr(); got != "robot-7:8443" {
		t.Errorf("addr() = %q, want %q", got, "robot-7:8443")
	}
}

func TestIsLocalHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LocalHost", true},
		{"127.0.0.1", true},
		{"127.8.8.8", true},
		{"::1", true},
		{"robot-7.local", true},
		{"ROBOT-7.LOCAL", true},
		{"robot-7.example.com", false},
		{"10.0.0.1", false},
		{"192.168.1.20", false},
		{"8.8.8.8", false},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		if got := isLocalHost(tt.host); got != tt.want {
			t.Errorf("isLocalHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    DialOptions
		wantErr bool
	}{
		{name: "zero value", opts: DialOptions{}},
		{name: "full share", opts: DialOptions{WebRTCShare: 1.0}},
		{name: "explicit timeout", opts: DialOptions{Timeout: 5 * time.Second}},
		{name: "force webrtc", opts: DialOptions{ForceWebRTC: true}},
		{name: "negative timeout", opts: DialOptions{Timeout: -time.Second}, wantErr: true},
		{name: "share above one", opts: DialOptions{WebRTCShare: 1.5}, wantErr: true},
		{name: "negative share", opts: DialOptions{WebRTCShare: -0.1}, wantErr: true},
		{name: "disable and force", opts: DialOptions{DisableWebRTC: true, ForceWebRTC: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr && err == nil {
				t.Error("validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validate(): %v", err)
			}
		})
	}
}
