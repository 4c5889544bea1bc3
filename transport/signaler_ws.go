// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uplink-foundation/uplink/lib/netutil"
)

const (
	signalingPath         = "/signaling"
	signalingWriteTimeout = 10 * time.Second
	signalingReadLimit    = 1 << 20
	signalingPingInterval = 15 * time.Second
	signalingPongWait     = 40 * time.Second
)

// Envelope types on the signaling socket.
const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
	signalError     = "error"
)

// signalEnvelope is one message on the signaling socket. Payload is
// the base64 of the JSON-encoded SessionDescription or ICECandidate;
// an empty payload on a candidate envelope is the end-of-candidates
// marker.
type signalEnvelope struct {
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebSocketSignalerConfig configures a WebSocket signaler.
type WebSocketSignalerConfig struct {
	// Address is the signaling endpoint: a host:port, or a full ws://,
	// wss://, http://, or https:// URL. Bare host:port becomes wss
	// (ws when Insecure) with the default signaling path.
	Address string

	// Machine names the machine this exchange targets; relays route
	// the offer by it.
	Machine string

	// TLSConfig applies to wss connections.
	TLSConfig *tls.Config

	// Insecure selects ws over wss for bare host:port addresses.
	Insecure bool

	Logger *slog.Logger
}

// WebSocketSignaler exchanges SDP and ICE candidates over a WebSocket
// to a signaling relay or to the machine's own signaling endpoint.
type WebSocketSignaler struct {
	config WebSocketSignalerConfig
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

var _ Signaler = (*WebSocketSignaler)(nil)

func NewWebSocketSignaler(config WebSocketSignalerConfig) *WebSocketSignaler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSignaler{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// signalingURL resolves the configured address to a ws or wss URL.
func (s *WebSocketSignaler) signalingURL() (string, error) {
	address := s.config.Address
	if address == "" {
		return "", fmt.Errorf("transport: signaling address is empty")
	}
	u, err := url.Parse(address)
	if err == nil && u.Scheme != "" && u.Host != "" {
		switch u.Scheme {
		case "ws", "wss":
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		default:
			return "", fmt.Errorf("transport: unsupported signaling scheme %q", u.Scheme)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = signalingPath
		}
		return u.String(), nil
	}
	scheme := "wss"
	if s.config.Insecure {
		scheme = "ws"
	}
	return (&url.URL{Scheme: scheme, Host: address, Path: signalingPath}).String(), nil
}

func (s *WebSocketSignaler) Connect(ctx context.Context) error {
	target, err := s.signalingURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  s.config.TLSConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport: signaling handshake with %s: %s: %w", target, resp.Status, err)
		}
		return fmt.Errorf("transport: connecting signaling at %s: %w", target, err)
	}
	conn.SetReadLimit(signalingReadLimit)
	if err := conn.SetReadDeadline(time.Now().Add(signalingPongWait)); err != nil {
		conn.Close()
		return fmt.Errorf("transport: arming signaling read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(signalingPongWait))
	})
	s.conn = conn
	go s.pingLoop(conn)
	return nil
}

// pingLoop keeps the signaling socket alive during long ICE gathers.
// WriteControl is safe to call concurrently with other writes, so no
// mutex is needed here.
func (s *WebSocketSignaler) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(signalingPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(signalingWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *WebSocketSignaler) Exchange(ctx context.Context, offer SessionDescription) (<-chan SessionDescription, <-chan ICECandidate, <-chan error, error) {
	if s.conn == nil {
		return nil, nil, nil, fmt.Errorf("transport: signaler not connected")
	}
	payload, err := encodeSignalPayload(offer)
	if err != nil {
		return nil, nil, nil, err
	}
	envelope := signalEnvelope{Type: signalOffer, Target: s.config.Machine, Payload: payload}
	if err := s.writeEnvelope(envelope); err != nil {
		return nil, nil, nil, err
	}
	answers := make(chan SessionDescription, 1)
	candidates := make(chan ICECandidate, 16)
	errs := make(chan error, 1)
	go s.readLoop(answers, candidates, errs)
	return answers, candidates, errs, nil
}

func (s *WebSocketSignaler) readLoop(answers chan<- SessionDescription, candidates chan<- ICECandidate, errs chan<- error) {
	for {
		var envelope signalEnvelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			select {
			case <-s.done:
			default:
				if !netutil.IsExpectedCloseError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.deliverErr(errs, fmt.Errorf("transport: signaling read: %w", err))
				}
			}
			return
		}
		switch envelope.Type {
		case signalAnswer:
			var answer SessionDescription
			if err := decodeSignalPayload(envelope.Payload, &answer); err != nil {
				s.deliverErr(errs, fmt.Errorf("transport: malformed answer: %w", err))
				return
			}
			select {
			case answers <- answer:
			case <-s.done:
				return
			}
		case signalCandidate:
			var candidate ICECandidate
			if envelope.Payload != "" {
				if err := decodeSignalPayload(envelope.Payload, &candidate); err != nil {
					s.logger.Debug("dropping malformed candidate", "error", err)
					continue
				}
			}
			select {
			case candidates <- candidate:
			case <-s.done:
				return
			}
		case signalError:
			s.deliverErr(errs, fmt.Errorf("transport: signaling relay: %s", envelope.Error))
			return
		default:
			s.logger.Debug("ignoring signaling envelope", "type", envelope.Type)
		}
	}
}

func (s *WebSocketSignaler) deliverErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func (s *WebSocketSignaler) SendCandidate(ctx context.Context, candidate ICECandidate) error {
	envelope := signalEnvelope{Type: signalCandidate}
	if !candidate.Done() {
		payload, err := encodeSignalPayload(candidate)
		if err != nil {
			return err
		}
		envelope.Payload = payload
	}
	return s.writeEnvelope(envelope)
}

func (s *WebSocketSignaler) writeEnvelope(envelope signalEnvelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errSignalerClosed
	default:
	}
	if s.conn == nil {
		return fmt.Errorf("transport: signaler not connected")
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(signalingWriteTimeout)); err != nil {
		return fmt.Errorf("transport: arming signaling write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("transport: signaling write: %w", err)
	}
	return nil
}

func (s *WebSocketSignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			deadline := time.Now().Add(signalingWriteTimeout)
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil && !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("sending signaling close", "error", err)
			}
			s.conn.Close()
		}
	})
	return nil
}

func encodeSignalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("transport: encoding signal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeSignalPayload(payload string, v any) error {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decoding signal payload: %w", err)
	}
	return json.Unmarshal(data, v)
}
