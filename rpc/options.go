// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/clock"
)

const (
	// DefaultTimeout is the total dial budget when DialOptions.Timeout
	// is zero.
	DefaultTimeout = 20 * time.Second

	// DefaultWebRTCShare is the fraction of the budget given to the
	// WebRTC attempt when DialOptions.WebRTCShare is zero. The rest is
	// held back for the direct fallback.
	DefaultWebRTCShare = 0.7

	// defaultPort is assumed when the target URI carries none.
	defaultPort = "8443"
)

// DialOptions configures a Dial. The zero value dials without
// credentials over TLS with system roots, trying WebRTC first.
type DialOptions struct {
	// Credential authenticates the dial. The zero credential dials
	// unauthenticated.
	Credential auth.Credential

	// Engine exchanges the credential for bearer tokens. Nil means
	// Dial builds a private engine for the call. Callers dialing many
	// machines should share one engine so the token cache is shared
	// too.
	Engine *auth.Engine

	// Insecure switches the direct strategy to plaintext TCP and the
	// signaling and auth exchanges to plaintext HTTP. Development
	// only.
	Insecure bool

	// DisableWebRTC skips the WebRTC attempt and dials direct
	// immediately.
	DisableWebRTC bool

	// ForceWebRTC attempts WebRTC even for local targets, which
	// normally skip it. Mutually exclusive with DisableWebRTC.
	ForceWebRTC bool

	// AllowRetry retries the whole strategy sequence once if the
	// first pass fails for any reason other than a rejected
	// credential.
	AllowRetry bool

	// Timeout is the total budget across both strategies. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// WebRTCShare is the fraction of Timeout given to the WebRTC
	// attempt, in (0, 1]. Zero means DefaultWebRTCShare.
	WebRTCShare float64

	// SignalingAddress overrides where the WebRTC offer is sent.
	// Empty means the target's own host and port.
	SignalingAddress string

	// ICEServers lists STUN and TURN servers for candidate gathering.
	// Empty means host candidates only.
	ICEServers []webrtc.ICEServer

	// TLSConfig applies to the direct connection, the signaling
	// websocket, and the auth exchange. Nil means system roots.
	TLSConfig *tls.Config

	// Trace, when set, is filled with per-phase timings during the
	// dial. The trace belongs to the dial until it returns.
	Trace *DialTrace

	Logger *slog.Logger
	Clock  clock.Clock
}

// validate rejects option combinations no dial could honor. Zero
// values mean defaults and always pass.
func (o *DialOptions) validate() error {
	if o.Timeout < 0 {
		return fmt.Errorf("negative timeout %v", o.Timeout)
	}
	if o.WebRTCShare < 0 || o.WebRTCShare > 1 {
		return fmt.Errorf("webrtc share %v outside (0, 1]", o.WebRTCShare)
	}
	if o.DisableWebRTC && o.ForceWebRTC {
		return errors.New("DisableWebRTC and ForceWebRTC are mutually exclusive")
	}
	return nil
}

// dialTarget is a parsed dial URI.
type dialTarget struct {
	host string
	port string
}

// addr returns the host:port to connect to.
func (t dialTarget) addr() string { return net.JoinHostPort(t.host, t.port) }

// parseTarget accepts "uplink://host[:port]" or a bare "host[:port]"
// and applies the default port. Other schemes are rejected so a pasted
// https URL fails loudly instead of dialing the wrong protocol.
func parseTarget(uri string) (dialTarget, error) {
	if uri == "" {
		return dialTarget{}, errors.New("empty dial target")
	}

	rest := uri
	if scheme, _, ok := strings.Cut(uri, "://"); ok {
		if scheme != "uplink" {
			return dialTarget{}, fmt.Errorf("unsupported scheme %q (want uplink://)", scheme)
		}
		u, err := url.Parse(uri)
		if err != nil {
			return dialTarget{}, fmt.Errorf("parsing target: %w", err)
		}
		if u.Path != "" && u.Path != "/" {
			return dialTarget{}, fmt.Errorf("unexpected path %q in dial target", u.Path)
		}
		if u.User != nil {
			return dialTarget{}, errors.New("dial target must not carry userinfo")
		}
		host, port := u.Hostname(), u.Port()
		if host == "" {
			return dialTarget{}, errors.New("dial target has no host")
		}
		if port == "" {
			port = defaultPort
		} else if !validPort(port) {
			return dialTarget{}, fmt.Errorf("invalid port %q in dial target", port)
		}
		return dialTarget{host: host, port: port}, nil
	}

	// Bare host[:port]. SplitHostPort fails on a portless host and on
	// an unbracketed IPv6 literal; both mean the whole string is the
	// host.
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
		port = defaultPort
	} else if !validPort(port) {
		return dialTarget{}, fmt.Errorf("invalid port %q in dial target", port)
	}
	if host == "" {
		return dialTarget{}, errors.New("dial target has no host")
	}
	return dialTarget{host: host, port: port}, nil
}

// validPort accepts decimal port numbers only, so a mangled target
// fails at parse time instead of deep inside a dial attempt.
func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

// isLocalHost reports whether host names the local machine or its LAN
// segment. WebRTC negotiation buys nothing there, so such targets dial
// direct unless ForceWebRTC is set.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if strings.HasSuffix(strings.ToLower(host), ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
