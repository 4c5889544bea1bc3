// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional --config YAML: timeout overrides and ICE
// servers for the WebRTC attempt. Zero values defer to the dialer's
// defaults.
//
//	timeouts:
//	  total: 20s
//	  webrtc_share: 0.7
//	ice_servers:
//	  - urls: ["stun:stun.example.com:3478"]
type fileConfig struct {
	Timeouts struct {
		Total       time.Duration `yaml:"total"`
		WebRTCShare float64       `yaml:"webrtc_share"`
	} `yaml:"timeouts"`
	ICEServers []iceServerConfig `yaml:"ice_servers"`
}

type iceServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// loadConfig reads path, or returns the zero config when no path was
// given. yaml.KnownFields makes typos fail instead of silently doing
// nothing.
func loadConfig(path string) (fileConfig, error) {
	var config fileConfig
	if path == "" {
		return config, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return config, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// iceServers converts the YAML entries to the dialer's type.
func (c fileConfig) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, entry := range c.ICEServers {
		server := webrtc.ICEServer{URLs: entry.URLs, Username: entry.Username}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return servers
}
