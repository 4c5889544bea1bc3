// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/uplink-foundation/uplink/lib/clock"
)

// Per-phase negotiation budgets. Each bounds one phase of the state
// machine; the dial orchestrator bounds the whole attempt through ctx.
const (
	defaultSignalingTimeout = 5 * time.Second
	defaultAnswerTimeout    = 10 * time.Second
	defaultICETimeout       = 10 * time.Second
	defaultOpenTimeout      = 5 * time.Second
	defaultAuthTimeout      = 5 * time.Second
)

// Both sides pre-negotiate the data channel so no in-band open
// handshake is needed: the channel exists as soon as SCTP does.
const (
	dataChannelLabel = "uplink"
	dataChannelID    = uint16(0)
)

// NegotiatorConfig configures a WebRTC negotiation attempt.
type NegotiatorConfig struct {
	// Signaler is the signaling session for this attempt. Required.
	Signaler Signaler

	// ICEServers lists STUN and TURN servers for candidate gathering.
	// Empty means host candidates only, which works on loopback and
	// LANs.
	ICEServers []webrtc.ICEServer

	Logger *slog.Logger
	Clock  clock.Clock

	// OnState, when set, observes every phase transition. The dial
	// orchestrator hangs trace timing off it. Called from the
	// negotiating goroutine.
	OnState func(NegotiationState)

	// Per-phase budgets. Zero means the default for that phase.
	SignalingTimeout time.Duration
	AnswerTimeout    time.Duration
	ICETimeout       time.Duration
	OpenTimeout      time.Duration
	AuthTimeout      time.Duration
}

// Negotiator drives one WebRTC dial attempt through its phases:
// signaling connect, offer, answer, ICE, data channel open, auth. One
// negotiator handles one attempt; the dial orchestrator builds a fresh
// one per retry.
type Negotiator struct {
	config NegotiatorConfig
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	state NegotiationState
}

func NewNegotiator(config NegotiatorConfig) (*Negotiator, error) {
	if config.Signaler == nil {
		return nil, errors.New("transport: negotiator requires a signaler")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.SignalingTimeout <= 0 {
		config.SignalingTimeout = defaultSignalingTimeout
	}
	if config.AnswerTimeout <= 0 {
		config.AnswerTimeout = defaultAnswerTimeout
	}
	if config.ICETimeout <= 0 {
		config.ICETimeout = defaultICETimeout
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaultOpenTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaultAuthTimeout
	}
	return &Negotiator{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		state:  StateIdle,
	}, nil
}

// State reports the current negotiation phase. After Negotiate returns
// it is StateReady or StateAborted.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(state NegotiationState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()
	n.logger.Debug("negotiation phase", "phase", string(state))
	if n.config.OnState != nil {
		n.config.OnState(state)
	}
}

// fail builds a NegotiationError carrying the phase the attempt died
// in.
func (n *Negotiator) fail(code NegotiationCode, message string, err error) *NegotiationError {
	return &NegotiationError{Code: code, State: n.State(), Message: message, Err: err}
}

// ctxErr maps a context error: a hit deadline is a negotiation
// timeout, a cancellation passes through raw.
func (n *Negotiator) ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return n.fail(CodeNegotiationTimeout, "dial budget exhausted", err)
	}
	return err
}

// Negotiate runs the full negotiation and returns a ready channel. On
// success the signaler is already closed and the returned channel owns
// the peer connection; on failure everything is torn down and the
// state is StateAborted.
//
// source supplies the bearer token for the auth exchange; nil skips
// auth, for machines that accept anonymous channels.
func (n *Negotiator) Negotiate(ctx context.Context, source TokenSource) (ch *Channel, retErr error) {
	var pc *webrtc.PeerConnection
	defer func() {
		if retErr == nil {
			return
		}
		n.setState(StateAborted)
		if pc != nil && ch == nil {
			pc.Close()
		}
		n.config.Signaler.Close()
	}()

	// Phase 1: signaling session.
	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	connectResult := make(chan error, 1)
	go func() { connectResult <- n.config.Signaler.Connect(connectCtx) }()
	select {
	case err := <-connectResult:
		if err != nil {
			return nil, n.fail(CodeSignalingUnreachable, "connecting to signaling endpoint", err)
		}
	case <-n.clock.After(n.config.SignalingTimeout):
		cancelConnect()
		return nil, n.fail(CodeNegotiationTimeout, "connecting to signaling endpoint", context.DeadlineExceeded)
	case <-ctx.Done():
		cancelConnect()
		return nil, n.ctxErr(ctx)
	}
	n.setState(StateSignalingConnected)

	// Phase 2: peer connection and offer.
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: n.config.ICEServers})
	if err != nil {
		return nil, n.fail(CodeICEFailed, "creating peer connection", err)
	}

	iceStates := make(chan webrtc.ICEConnectionState, 16)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		select {
		case iceStates <- state:
		default:
		}
	})

	candidateCtx, cancelCandidates := context.WithCancel(ctx)
	defer cancelCandidates()
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		outbound := ICECandidate{}
		if candidate != nil {
			converted := candidate.ToJSON()
			outbound.Candidate = converted.Candidate
			if converted.SDPMid != nil {
				outbound.SDPMid = *converted.SDPMid
			}
			if converted.SDPMLineIndex != nil {
				outbound.SDPMLineIndex = *converted.SDPMLineIndex
			}
		}
		if err := n.config.Signaler.SendCandidate(candidateCtx, outbound); err != nil {
			n.logger.Debug("sending ice candidate", "error", err)
		}
	})

	negotiated := true
	channelID := dataChannelID
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &channelID,
	})
	if err != nil {
		return nil, n.fail(CodeICEFailed, "creating data channel", err)
	}
	opened := make(chan io.ReadWriteCloser, 1)
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			n.logger.Error("detaching data channel", "error", err)
			return
		}
		opened <- raw
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, n.fail(CodeICEFailed, "creating offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, n.fail(CodeICEFailed, "applying local description", err)
	}
	answers, remoteCandidates, signalErrs, err := n.config.Signaler.Exchange(ctx,
		SessionDescription{Type: "offer", SDP: offer.SDP})
	if err != nil {
		return nil, n.fail(CodeSignalingUnreachable, "sending offer", err)
	}
	n.setState(StateOfferSent)

	// Phase 3: answer.
	var answer SessionDescription
	select {
	case answer = <-answers:
	case err := <-signalErrs:
		return nil, n.fail(CodeSignalingUnreachable, "waiting for answer", err)
	case <-n.clock.After(n.config.AnswerTimeout):
		return nil, n.fail(CodeNegotiationTimeout, "waiting for answer", context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, n.ctxErr(ctx)
	}
	n.setState(StateAnswerReceived)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return nil, n.fail(CodeICEFailed, "applying answer", err)
	}
	n.setState(StateIceGathering)

	// Phase 4: trickle candidates until ICE connects.
	iceDeadline := n.clock.After(n.config.ICETimeout)
	connected := false
	for !connected {
		select {
		case candidate, ok := <-remoteCandidates:
			if !ok {
				remoteCandidates = nil
				continue
			}
			if candidate.Done() {
				continue
			}
			sdpMid := candidate.SDPMid
			sdpMLineIndex := candidate.SDPMLineIndex
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     candidate.Candidate,
				SDPMid:        &sdpMid,
				SDPMLineIndex: &sdpMLineIndex,
			}); err != nil {
				n.logger.Warn("adding remote candidate", "error", err)
			}
		case state := <-iceStates:
			switch state {
			case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
				connected = true
			case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
				return nil, n.fail(CodeICEFailed, fmt.Sprintf("ice state %s", state), nil)
			}
		case err := <-signalErrs:
			// ICE may still complete on candidates already exchanged.
			n.logger.Warn("signaling lost during candidate exchange", "error", err)
			signalErrs = nil
		case <-iceDeadline:
			return nil, n.fail(CodeNegotiationTimeout, "waiting for ice connectivity", context.DeadlineExceeded)
		case <-ctx.Done():
			return nil, n.ctxErr(ctx)
		}
	}
	n.setState(StateIceConnected)
	n.config.Signaler.Close()

	// Phase 5: data channel open.
	var raw io.ReadWriteCloser
	openDeadline := n.clock.After(n.config.OpenTimeout)
	for raw == nil {
		select {
		case raw = <-opened:
		case state := <-iceStates:
			if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
				return nil, n.fail(CodeICEFailed, fmt.Sprintf("ice state %s", state), nil)
			}
		case <-openDeadline:
			return nil, n.fail(CodeNegotiationTimeout, "waiting for data channel open", context.DeadlineExceeded)
		case <-ctx.Done():
			return nil, n.ctxErr(ctx)
		}
	}
	n.setState(StateDataChannelOpen)

	// Keepalive stays off here: DTLS and SCTP already detect a dead
	// peer, and the channel's Ping remains available for diagnostics.
	ch = NewChannel(NewDataChannelConn(raw), ChannelConfig{
		Logger:  n.logger,
		Clock:   n.clock,
		OnClose: func() { pc.Close() },
	})

	// Phase 6: auth exchange.
	if source != nil {
		token, err := source.Token(ctx)
		if err != nil {
			ch.Close()
			ch = nil
			return nil, err
		}
		authCtx, cancelAuth := context.WithCancel(ctx)
		defer cancelAuth()
		authResult := make(chan error, 1)
		go func() { authResult <- ch.Authenticate(authCtx, token) }()
		select {
		case err := <-authResult:
			if err != nil {
				ch.Close()
				ch = nil
				return nil, err
			}
		case <-n.clock.After(n.config.AuthTimeout):
			cancelAuth()
			ch.Close()
			ch = nil
			return nil, n.fail(CodeNegotiationTimeout, "waiting for auth exchange", context.DeadlineExceeded)
		case <-ctx.Done():
			cancelAuth()
			ch.Close()
			ch = nil
			return nil, n.ctxErr(ctx)
		}
	}
	n.setState(StateAuthExchanged)
	n.setState(StateReady)
	return ch, nil
}
