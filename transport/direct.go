// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/clock"
)

// directAuthTimeout bounds the auth exchange on an established direct
// connection. The TCP and TLS handshakes are bounded by the caller's
// ctx; this only covers the control-frame round trip.
const directAuthTimeout = 5 * time.Second

// tokenRefreshGuard is how long before token expiry the connector
// re-authenticates. It sits below the auth engine's cache guard, so
// the refresh fetches a genuinely fresh token instead of the cached
// one that is about to expire.
const tokenRefreshGuard = 20 * time.Second

// DirectConfig configures a DirectDialer.
type DirectConfig struct {
	// TLSConfig is cloned per dial; ServerName is filled in from the
	// dialed address. Nil means system roots.
	TLSConfig *tls.Config

	// Insecure dials plaintext TCP instead of TLS. Development only.
	Insecure bool

	// KeepaliveInterval is the channel ping cadence. Zero means 10s.
	// Direct connections need keepalive: a machine that powers off
	// mid-idle leaves a TCP connection that looks healthy for minutes.
	KeepaliveInterval time.Duration

	// KeepaliveGrace is how many unanswered pings are tolerated. Zero
	// means 2.
	KeepaliveGrace int

	Logger *slog.Logger
	Clock  clock.Clock
}

// DirectDialer establishes channels over TLS, the fallback when WebRTC
// negotiation fails or is skipped.
type DirectDialer struct {
	config DirectConfig
	logger *slog.Logger
	clock  clock.Clock
}

func NewDirectDialer(config DirectConfig) *DirectDialer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = defaultKeepaliveInterval
	}
	if config.KeepaliveGrace <= 0 {
		config.KeepaliveGrace = defaultKeepaliveGrace
	}
	return &DirectDialer{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
	}
}

// DialDirect connects to addr, authenticates, and returns a ready
// channel. source supplies the bearer token; nil skips auth. When the
// token carries an expiry, a background goroutine re-authenticates the
// channel in place before the token lapses.
func (d *DirectDialer) DialDirect(ctx context.Context, addr string, source TokenSource) (*Channel, error) {
	conn, err := d.dialConn(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDialError(addr, err, d.config.Insecure)
	}
	ch := NewChannel(conn, ChannelConfig{
		Logger:            d.logger,
		Clock:             d.clock,
		KeepaliveInterval: d.config.KeepaliveInterval,
		KeepaliveGrace:    d.config.KeepaliveGrace,
	})
	if source == nil {
		return ch, nil
	}
	token, err := source.Token(ctx)
	if err != nil {
		ch.Close()
		return nil, err
	}
	authCtx, cancel := context.WithTimeout(ctx, directAuthTimeout)
	defer cancel()
	if err := ch.Authenticate(authCtx, token); err != nil {
		ch.Close()
		return nil, err
	}
	if token != nil && !token.Empty() && !token.ExpiresAt().IsZero() {
		go d.refreshAuth(ch, source, token)
	}
	d.logger.Debug("direct channel established",
		"addr", addr, "insecure", d.config.Insecure)
	return ch, nil
}

func (d *DirectDialer) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	if d.config.Insecure {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", addr)
	}
	tlsConfig := d.config.TLSConfig.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid direct address %q: %w", addr, err)
		}
		tlsConfig.ServerName = host
	}
	dialer := tls.Dialer{Config: tlsConfig}
	return dialer.DialContext(ctx, "tcp", addr)
}

// refreshAuth re-authenticates the channel shortly before the current
// token expires, keeping long-lived direct connections usable past a
// single token lifetime.
func (d *DirectDialer) refreshAuth(ch *Channel, source TokenSource, token *auth.Token) {
	expiry := token.ExpiresAt()
	for {
		if expiry.IsZero() {
			return
		}
		wait := expiry.Sub(d.clock.Now()) - tokenRefreshGuard
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-d.clock.After(wait):
		case <-ch.Done():
			return
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), directAuthTimeout)
		next, err := source.Token(refreshCtx)
		if err == nil {
			err = ch.Authenticate(refreshCtx, next)
		}
		cancel()
		if err != nil {
			if auth.IsUnauthorized(err) {
				d.logger.Warn("token refresh rejected", "error", err)
				return
			}
			d.logger.Warn("token refresh failed, will retry", "error", err)
			select {
			case <-d.clock.After(tokenRefreshGuard / 2):
			case <-ch.Done():
				return
			}
			continue
		}
		expiry = next.ExpiresAt()
	}
}

// classifyDialError maps a failed direct dial onto the transport error
// taxonomy. The split matters upstream: a TLS failure and a refused
// connection read differently in dial traces and logs.
func classifyDialError(addr string, err error, insecure bool) error {
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return &Error{Code: CodeTLSFailed, Addr: addr, Message: "tls handshake failed", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Code: CodeConnectionRefused, Addr: addr, Message: "connection failed", Err: err}
	}
	if insecure {
		return &Error{Code: CodeConnectionRefused, Addr: addr, Message: "connection failed", Err: err}
	}
	// The connection existed but the handshake did not complete.
	return &Error{Code: CodeTLSFailed, Addr: addr, Message: "tls handshake failed", Err: err}
}
