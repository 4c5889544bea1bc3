// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"errors"
	"io"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/proxy"
	"github.com/uplink-foundation/uplink/rpc"
	"github.com/uplink-foundation/uplink/transport"
)

// Status codes returned across the boundary. Zero is success; every
// failure is a small negative integer grouped by category, so a
// foreign caller can branch on the category with a division and still
// distinguish the exact failure. The set is fixed: codes are part of
// the foreign ABI and are never renumbered.
const (
	CodeOK int32 = 0

	// Boundary-level failures.
	CodeInvalidHandle       int32 = -1
	CodeSerializationFailed int32 = -2
	CodeInternal            int32 = -3
	CodeNotConnected        int32 = -4

	// Authentication failures (-10..).
	CodeAuthUnauthorized int32 = -10
	CodeAuthUnreachable  int32 = -11
	CodeAuthMalformed    int32 = -12

	// WebRTC negotiation failures (-20..).
	CodeNegotiationSignaling int32 = -20
	CodeNegotiationICE       int32 = -21
	CodeNegotiationTimeout   int32 = -22

	// Transport failures (-30..).
	CodeTransportTLS     int32 = -30
	CodeTransportRefused int32 = -31
	CodeTransportLost    int32 = -32

	// Dial failures (-40..).
	CodeDialAllStrategies  int32 = -40
	CodeDialTimeout        int32 = -41
	CodeDialInvalidOptions int32 = -42

	// Proxy failures (-50..).
	CodeProxyChannelClosed int32 = -50
	CodeProxyBindFailed    int32 = -51
)

// statusOf maps err to its boundary status code. The outermost
// category wins: a dial error carrying strategy failures reports at
// the dial level, except an unauthorized credential, which the dialer
// surfaces raw and which foreign callers need to recognize directly.
func statusOf(err error) int32 {
	if err == nil {
		return CodeOK
	}

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		switch authErr.Code {
		case auth.CodeUnauthorized:
			return CodeAuthUnauthorized
		case auth.CodeUnreachable:
			return CodeAuthUnreachable
		case auth.CodeMalformed:
			return CodeAuthMalformed
		}
	}

	var dialErr *rpc.DialError
	if errors.As(err, &dialErr) {
		switch dialErr.Code {
		case rpc.CodeAllStrategiesFailed:
			return CodeDialAllStrategies
		case rpc.CodeDialTimeout:
			return CodeDialTimeout
		case rpc.CodeInvalidOptions:
			return CodeDialInvalidOptions
		}
	}

	var negErr *transport.NegotiationError
	if errors.As(err, &negErr) {
		switch negErr.Code {
		case transport.CodeSignalingUnreachable:
			return CodeNegotiationSignaling
		case transport.CodeICEFailed:
			return CodeNegotiationICE
		case transport.CodeNegotiationTimeout:
			return CodeNegotiationTimeout
		}
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		switch transportErr.Code {
		case transport.CodeTLSFailed:
			return CodeTransportTLS
		case transport.CodeConnectionRefused:
			return CodeTransportRefused
		case transport.CodeConnectionLost:
			return CodeTransportLost
		}
	}

	var proxyErr *proxy.Error
	if errors.As(err, &proxyErr) {
		switch proxyErr.Code {
		case proxy.CodeChannelClosed:
			return CodeProxyChannelClosed
		case proxy.CodeEndpointBindFailed:
			return CodeProxyBindFailed
		}
	}

	if errors.Is(err, transport.ErrChannelClosed) || errors.Is(err, transport.ErrStreamClosed) ||
		errors.Is(err, transport.ErrStreamReset) || errors.Is(err, io.EOF) {
		return CodeTransportLost
	}
	return CodeInternal
}

// categoryOf names err's category for the [LastError] blob.
func categoryOf(code int32) string {
	switch {
	case code == CodeOK:
		return ""
	case code <= -50:
		return "proxy"
	case code <= -40:
		return "dial"
	case code <= -30:
		return "transport"
	case code <= -20:
		return "negotiation"
	case code <= -10:
		return "auth"
	default:
		return "boundary"
	}
}
