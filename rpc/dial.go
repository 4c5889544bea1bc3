// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/clock"
	"github.com/uplink-foundation/uplink/transport"
)

// Dial connects to the machine named by uri and returns a channel that
// is ready to use: transport established, credential exchanged, and
// keepalive running where the transport needs one.
//
// The dial tries WebRTC first with WebRTCShare of the budget, then
// falls back to a direct TLS connection with the remainder. Local
// targets (localhost, loopback literals, .local names) skip straight
// to direct. The strategies run strictly in sequence, never in
// parallel, so a machine is not made to answer two handshakes for one
// caller.
//
// A rejected credential aborts the whole dial immediately: the
// fallback would present the same credential and earn the same
// rejection.
func Dial(ctx context.Context, uri string, opts DialOptions) (*transport.Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	target, err := parseTarget(uri)
	if err != nil {
		return nil, &DialError{Code: CodeInvalidOptions, URI: uri, Message: "invalid dial target", Err: err}
	}
	if err := opts.validate(); err != nil {
		return nil, &DialError{Code: CodeInvalidOptions, URI: uri, Message: "invalid options", Err: err}
	}
	if err := opts.Credential.Validate(target.host); err != nil {
		// Structural credential problems surface before any budget is
		// spent or any packet is sent.
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	share := opts.WebRTCShare
	if share == 0 {
		share = DefaultWebRTCShare
	}

	d := &dialer{
		uri:     uri,
		target:  target,
		opts:    opts,
		logger:  logger,
		clock:   clk,
		timeout: timeout,
		share:   share,
	}
	d.source = d.tokenSource()

	opts.Trace.begin(uri, clk.Now())

	// The overall budget is wall-clock time. Context deadlines cannot
	// ride a fake clock; tests drive the per-phase timeouts through
	// the Clock option instead.
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, strategy, err := d.sequence(dctx)
	if err != nil && opts.AllowRetry && !auth.IsUnauthorized(err) && dctx.Err() == nil {
		logger.Info("dial failed, retrying once", "uri", uri, "error", err)
		opts.Trace.retried()
		ch, strategy, err = d.sequence(dctx)
	}
	if err != nil {
		opts.Trace.finish("", clk.Now())
		switch {
		case auth.IsUnauthorized(err):
			return nil, err
		case ctx.Err() != nil:
			// The caller's own context died; report that, not a
			// budget verdict the caller never set.
			return nil, ctx.Err()
		case dctx.Err() != nil:
			return nil, budgetExhausted(uri, err)
		default:
			return nil, err
		}
	}
	opts.Trace.finish(strategy, clk.Now())
	logger.Debug("dial succeeded",
		"uri", uri,
		"strategy", string(strategy),
	)
	return ch, nil
}

// budgetExhausted wraps a sequence failure as a timeout, hoisting the
// per-strategy reasons up instead of nesting one DialError in another.
func budgetExhausted(uri string, err error) *DialError {
	dialErr := &DialError{Code: CodeDialTimeout, URI: uri, Message: "dial budget exhausted"}
	var seqErr *DialError
	if errors.As(err, &seqErr) && seqErr.Code == CodeAllStrategiesFailed {
		dialErr.WebRTCErr = seqErr.WebRTCErr
		dialErr.DirectErr = seqErr.DirectErr
	} else {
		dialErr.Err = err
	}
	return dialErr
}

// dialer carries one Dial call's resolved settings across its
// attempts.
type dialer struct {
	uri     string
	target  dialTarget
	opts    DialOptions
	source  transport.TokenSource
	logger  *slog.Logger
	clock   clock.Clock
	timeout time.Duration
	share   float64
}

// tokenSource builds the TokenSource handed to the transports, nil for
// unauthenticated dials.
func (d *dialer) tokenSource() transport.TokenSource {
	if d.opts.Credential.Kind == auth.KindNone {
		return nil
	}
	engine := d.opts.Engine
	if engine == nil {
		// A private engine for this one dial. It is never closed: the
		// channel's token refresh keeps borrowing tokens the engine
		// owns for as long as the channel lives.
		engine = auth.NewEngine(auth.EngineConfig{
			HTTPClient: authHTTPClient(d.opts.TLSConfig, d.opts.Insecure),
			Logger:     d.logger,
			Clock:      d.clock,
		})
	}
	endpoint := d.target.addr()
	if d.opts.Insecure {
		endpoint = "http://" + endpoint
	}
	cred := d.opts.Credential
	return transport.TokenSourceFunc(func(ctx context.Context) (*auth.Token, error) {
		return engine.Obtain(ctx, endpoint, cred)
	})
}

// authHTTPClient builds the HTTP client for a dial-private auth
// engine. The caller's TLS material has to reach the token exchange
// too, not just the channel transports.
func authHTTPClient(tlsConfig *tls.Config, insecure bool) *http.Client {
	if insecure || tlsConfig == nil {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig.Clone()},
	}
}

// sequence runs one pass over the strategies: WebRTC unless skipped,
// then direct with whatever budget remains.
func (d *dialer) sequence(ctx context.Context) (*transport.Channel, Strategy, error) {
	tryWebRTC := !d.opts.DisableWebRTC && (d.opts.ForceWebRTC || !isLocalHost(d.target.host))

	var webrtcErr error
	if tryWebRTC {
		ch, err := d.webrtcAttempt(ctx)
		if err == nil {
			return ch, StrategyWebRTC, nil
		}
		if auth.IsUnauthorized(err) {
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", err
		}
		webrtcErr = err
		d.logger.Debug("webrtc attempt failed, falling back to direct",
			"uri", d.uri,
			"error", err,
		)
	} else if d.opts.DisableWebRTC {
		d.logger.Debug("webrtc disabled, dialing direct", "uri", d.uri)
	} else {
		d.logger.Debug("local target, dialing direct", "host", d.target.host)
	}

	ch, directErr := d.directAttempt(ctx)
	if directErr == nil {
		return ch, StrategyDirect, nil
	}
	if auth.IsUnauthorized(directErr) {
		return nil, "", directErr
	}
	if webrtcErr == nil {
		return nil, "", &DialError{
			Code:      CodeAllStrategiesFailed,
			URI:       d.uri,
			Message:   "direct connection failed",
			DirectErr: directErr,
		}
	}
	return nil, "", &DialError{
		Code:      CodeAllStrategiesFailed,
		URI:       d.uri,
		Message:   "all strategies failed",
		WebRTCErr: webrtcErr,
		DirectErr: directErr,
	}
}

// webrtcAttempt runs one WebRTC negotiation against the target's
// signaling endpoint, bounded by the WebRTC share of the budget.
func (d *dialer) webrtcAttempt(ctx context.Context) (*transport.Channel, error) {
	budget := time.Duration(float64(d.timeout) * d.share)
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	idx := d.opts.Trace.beginAttempt(StrategyWebRTC, d.clock.Now())

	signalingAddr := d.opts.SignalingAddress
	if signalingAddr == "" {
		signalingAddr = d.target.addr()
	}
	sig := transport.NewWebSocketSignaler(transport.WebSocketSignalerConfig{
		Address:   signalingAddr,
		Machine:   d.target.host,
		TLSConfig: d.opts.TLSConfig,
		Insecure:  d.opts.Insecure,
		Logger:    d.logger,
	})
	neg, err := transport.NewNegotiator(transport.NegotiatorConfig{
		Signaler:   sig,
		ICEServers: d.opts.ICEServers,
		Logger:     d.logger,
		Clock:      d.clock,
		OnState: func(state transport.NegotiationState) {
			d.opts.Trace.phase(idx, string(state), d.clock.Now())
		},
	})
	if err != nil {
		d.opts.Trace.endAttempt(idx, err, d.clock.Now())
		return nil, err
	}
	ch, err := neg.Negotiate(actx, d.source)
	d.opts.Trace.endAttempt(idx, err, d.clock.Now())
	return ch, err
}

// directAttempt dials the target over TLS, or plaintext TCP when
// Insecure is set.
func (d *dialer) directAttempt(ctx context.Context) (*transport.Channel, error) {
	idx := d.opts.Trace.beginAttempt(StrategyDirect, d.clock.Now())
	dd := transport.NewDirectDialer(transport.DirectConfig{
		TLSConfig: d.opts.TLSConfig,
		Insecure:  d.opts.Insecure,
		Logger:    d.logger,
		Clock:     d.clock,
	})
	ch, err := dd.DialDirect(ctx, d.target.addr(), d.source)
	d.opts.Trace.endAttempt(idx, err, d.clock.Now())
	return ch, err
}
