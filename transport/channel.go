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
	"sync/atomic"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/clock"
	"github.com/uplink-foundation/uplink/lib/netutil"
)

const (
	// streamRecvBacklog is how many data frames a stream buffers before
	// the channel resets it. The read loop never waits on a stream's
	// consumer: one stalled stream loses its stream, not the channel.
	streamRecvBacklog = 32

	// acceptBacklog is how many inbound streams may queue for
	// AcceptStream before further opens are refused.
	acceptBacklog = 8

	// controlBacklog is how many read-loop replies (pongs, accepts,
	// error frames) may queue for the write loop.
	controlBacklog = 64

	// defaultKeepaliveInterval is the ping cadence the direct connector
	// uses when its config does not set one.
	defaultKeepaliveInterval = 10 * time.Second

	// defaultKeepaliveGrace is how many unanswered pings are tolerated
	// before the channel is declared lost.
	defaultKeepaliveGrace = 2
)

// TokenSource supplies bearer tokens for the channel auth exchange.
// The usual implementation wraps [auth.Engine.Obtain] bound to a
// credential, so a re-authentication fetches a fresh token when the
// cached one is near expiry.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// TokenSourceFunc adapts a function to the [TokenSource] interface.
type TokenSourceFunc func(ctx context.Context) (*auth.Token, error)

func (f TokenSourceFunc) Token(ctx context.Context) (*auth.Token, error) { return f(ctx) }

// ChannelConfig configures a Channel. The zero value works for tests:
// default logger and clock, keepalive off, inbound auth accepted
// without checking.
type ChannelConfig struct {
	// Logger receives frame-level debug logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Clock drives keepalive and ping timing. Defaults to the system
	// clock.
	Clock clock.Clock

	// KeepaliveInterval is the ping cadence. Zero disables keepalive.
	// The direct connector enables it; the WebRTC path leaves liveness
	// to DTLS/SCTP.
	KeepaliveInterval time.Duration

	// KeepaliveGrace is how many unanswered pings are tolerated before
	// the channel closes with a connection-lost error. Zero means 2.
	KeepaliveGrace int

	// AuthHandler validates inbound auth exchanges on the listening
	// side. Nil accepts every exchange. The returned error's text is
	// sent to the dialer, so it must not contain the token.
	AuthHandler func(entity, token string) error

	// OnClose runs once when the channel dies, however it dies. The
	// WebRTC path uses it to release the peer connection.
	OnClose func()
}

// Channel multiplexes byte streams over a single reliable conn: a TLS
// connection or a detached WebRTC data channel. The dialing side opens
// streams, the machine side accepts them. Stream 0 carries CBOR
// control frames for opens, closes, keepalive, and the auth exchange;
// every other stream id carries data.
//
// A Channel value is a handle. [Channel.Transfer] moves ownership to a
// fresh handle and poisons the old one: every later call on the old
// handle returns [ErrTransferred]. The proxy and the cross-language
// boundary take channels this way, so a caller that handed its channel
// off cannot keep driving it by accident.
type Channel struct {
	handleMu    sync.Mutex
	transferred bool

	mux *mux
}

// NewChannel starts a channel over conn. The channel owns conn from
// here on; closing the channel closes the conn.
func NewChannel(conn io.ReadWriteCloser, config ChannelConfig) *Channel {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	grace := config.KeepaliveGrace
	if grace <= 0 {
		grace = defaultKeepaliveGrace
	}
	m := &mux{
		conn:              conn,
		logger:            logger,
		clock:             clk,
		authHandler:       config.AuthHandler,
		onClose:           config.OnClose,
		keepaliveInterval: config.KeepaliveInterval,
		keepaliveGrace:    grace,
		nextStreamID:      1,
		streams:           make(map[uint32]*Stream),
		opens:             make(map[uint32]chan error),
		pingWaiters:       make(map[uint64]chan struct{}),
		accepts:           make(chan *Stream, acceptBacklog),
		controlOut:        make(chan ControlFrame, controlBacklog),
		dead:              make(chan struct{}),
	}
	go m.readLoop()
	go m.writeLoop()
	if m.keepaliveInterval > 0 {
		go m.keepaliveLoop()
	}
	return &Channel{mux: m}
}

// guard returns the mux, or ErrTransferred when this handle gave up
// ownership.
func (c *Channel) guard() (*mux, error) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if c.transferred {
		return nil, ErrTransferred
	}
	return c.mux, nil
}

// Transfer moves ownership of the channel to a fresh handle. The old
// handle is poisoned: every later call on it, including Close, returns
// ErrTransferred, and transferring twice fails the same way.
func (c *Channel) Transfer() (*Channel, error) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if c.transferred {
		return nil, ErrTransferred
	}
	c.transferred = true
	return &Channel{mux: c.mux}, nil
}

// OpenStream opens a stream and waits for the remote side to accept
// it.
func (c *Channel) OpenStream(ctx context.Context) (*Stream, error) {
	m, err := c.guard()
	if err != nil {
		return nil, err
	}
	return m.openStream(ctx)
}

// AcceptStream waits for the remote side to open a stream. Streams the
// remote opened before the channel died are still delivered.
func (c *Channel) AcceptStream(ctx context.Context) (*Stream, error) {
	m, err := c.guard()
	if err != nil {
		return nil, err
	}
	select {
	case s := <-m.accepts:
		return s, nil
	default:
	}
	select {
	case s := <-m.accepts:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.dead:
		return nil, m.closedErr()
	}
}

// Authenticate runs the dialing side of the auth exchange: it sends
// the bearer token and entity and waits for the machine's verdict. An
// empty token (credential kind "none") succeeds without touching the
// wire. A rejection surfaces as an [auth.Error] with code
// unauthorized.
//
// Authenticate may be called again on a live channel to replace the
// token in place; the direct connector does this before the current
// token expires.
func (c *Channel) Authenticate(ctx context.Context, token *auth.Token) error {
	m, err := c.guard()
	if err != nil {
		return err
	}
	return m.authenticate(ctx, token)
}

// Ping measures a control-frame round trip. Keepalive uses the same
// frames; Ping exists for interactive diagnostics.
func (c *Channel) Ping(ctx context.Context) (time.Duration, error) {
	m, err := c.guard()
	if err != nil {
		return 0, err
	}
	return m.ping(ctx)
}

// Done returns a channel closed when the channel dies. It keeps
// working on a transferred handle: observing death is not ownership.
func (c *Channel) Done() <-chan struct{} { return c.mux.dead }

// Err returns why the channel died, or nil while it lives:
// [ErrChannelClosed] after a local Close, a connection-lost [*Error]
// otherwise. Like Done, it works on transferred handles.
func (c *Channel) Err() error { return c.mux.closedErr() }

// Close closes the channel and its conn. Open streams report the
// closure on their next operation. Safe to call more than once.
func (c *Channel) Close() error {
	m, err := c.guard()
	if err != nil {
		return err
	}
	m.teardown(ErrChannelClosed)
	return nil
}

// mux is the channel engine: one read loop, one write loop, and the
// stream table. Channel handles delegate here so Transfer can poison
// an old handle without moving state.
type mux struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger
	clock  clock.Clock

	authHandler func(entity, token string) error
	onClose     func()

	keepaliveInterval time.Duration
	keepaliveGrace    int

	// writeMu serializes frame writes from streams, callers, and the
	// write loop.
	writeMu sync.Mutex

	mu           sync.Mutex
	nextStreamID uint32
	streams      map[uint32]*Stream
	opens        map[uint32]chan error    // OpenStream calls awaiting accept
	pingWaiters  map[uint64]chan struct{} // Ping calls awaiting pong, by seq
	authPending  chan error               // Authenticate call awaiting verdict
	cause        error                    // set once, before dead closes

	pingSeq     atomic.Uint64
	missedPongs atomic.Int32

	accepts    chan *Stream
	controlOut chan ControlFrame

	closeOnce sync.Once
	dead      chan struct{}
}

// sendFrame writes one frame, serialized against all other writers. A
// write failure kills the channel: frame boundaries cannot be trusted
// after a partial write.
func (m *mux) sendFrame(streamID uint32, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	select {
	case <-m.dead:
		return m.closedErr()
	default:
	}
	if err := WriteFrame(m.conn, streamID, payload); err != nil {
		m.teardown(&Error{
			Code:    CodeConnectionLost,
			Message: fmt.Sprintf("writing frame: %v", err),
			Err:     ErrChannelClosed,
		})
		return m.closedErr()
	}
	return nil
}

func (m *mux) sendControl(frame ControlFrame) error {
	payload, err := EncodeControl(frame)
	if err != nil {
		return err
	}
	return m.sendFrame(ControlStreamID, payload)
}

// reply queues a control frame for the write loop. The read loop must
// never write frames itself: on a synchronous conn such as net.Pipe,
// two read loops replying to each other directly would deadlock.
func (m *mux) reply(frame ControlFrame) {
	select {
	case m.controlOut <- frame:
	case <-m.dead:
	}
}

func (m *mux) writeLoop() {
	for {
		select {
		case frame := <-m.controlOut:
			if err := m.sendControl(frame); err != nil {
				return
			}
		case <-m.dead:
			return
		}
	}
}

func (m *mux) readLoop() {
	err := m.readFrames()
	m.teardown(err)

	// Past this point this goroutine sends no more payloads, so the
	// stream receive channels can be closed safely.
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	cause := m.closedErr()
	for _, s := range streams {
		s.remoteClose(cause)
	}
}

func (m *mux) readFrames() error {
	for {
		streamID, payload, err := ReadFrame(m.conn)
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				return &Error{
					Code:    CodeConnectionLost,
					Message: "connection closed by peer",
					Err:     ErrChannelClosed,
				}
			}
			return &Error{
				Code:    CodeConnectionLost,
				Message: fmt.Sprintf("reading frame: %v", err),
				Err:     ErrChannelClosed,
			}
		}
		if streamID == ControlStreamID {
			if err := m.handleControl(payload); err != nil {
				return err
			}
			continue
		}
		m.deliverData(streamID, payload)
	}
}

// deliverData hands a data frame to its stream without ever blocking
// the read loop. Blocking here would stall every other stream on the
// channel behind one slow consumer, so a stream whose backlog is full
// is reset instead.
func (m *mux) deliverData(streamID uint32, payload []byte) {
	m.mu.Lock()
	s := m.streams[streamID]
	m.mu.Unlock()
	if s == nil {
		// The stream closed locally while data was in flight.
		m.logger.Debug("dropping frame for unknown stream",
			"stream_id", streamID, "bytes", len(payload))
		return
	}
	select {
	case s.recv <- payload:
	case <-s.closed:
	case <-m.dead:
	default:
		m.resetStream(s)
	}
}

// resetStream drops a stream whose consumer stopped draining it. The
// stream leaves the table, its reader fails once the buffered frames
// are consumed, and the remote side is told the stream is gone. The
// frame that overflowed is lost with the stream.
func (m *mux) resetStream(s *Stream) {
	m.mu.Lock()
	delete(m.streams, s.id)
	m.mu.Unlock()
	m.logger.Warn("resetting stalled stream",
		"stream_id", s.id, "backlog", streamRecvBacklog)
	m.reply(ControlFrame{Op: OpError, StreamID: s.id, Code: ControlCodeStreamReset,
		Message: "receive backlog overflowed"})
	s.remoteClose(fmt.Errorf("transport: stream %d: receive backlog overflowed: %w", s.id, ErrStreamReset))
}

func (m *mux) handleControl(payload []byte) error {
	frame, err := DecodeControl(payload)
	if err != nil {
		return &Error{
			Code:    CodeConnectionLost,
			Message: fmt.Sprintf("protocol error: %v", err),
			Err:     ErrChannelClosed,
		}
	}
	switch frame.Op {
	case OpOpenStream:
		m.handleOpen(frame)
	case OpAcceptStream:
		m.resolveOpen(frame.StreamID, nil)
	case OpCloseStream:
		m.handleRemoteClose(frame.StreamID, nil)
	case OpError:
		m.handleErrorFrame(frame)
	case OpPing:
		m.reply(ControlFrame{Op: OpPong, Seq: frame.Seq})
	case OpPong:
		m.handlePong(frame.Seq)
	case OpAuth:
		m.handleAuth(frame)
	case OpAuthOK:
		m.resolveAuth(nil)
	default:
		m.logger.Debug("ignoring unknown control op", "op", uint8(frame.Op))
	}
	return nil
}

// handleOpen registers a remote-opened stream and queues it for
// AcceptStream. Opens beyond the accept backlog are refused so a
// flood of opens degrades into errors instead of a stalled channel.
func (m *mux) handleOpen(frame ControlFrame) {
	id := frame.StreamID
	if id == ControlStreamID {
		m.reply(ControlFrame{Op: OpError, StreamID: id, Code: ControlCodeStreamRefused,
			Message: "stream id 0 is reserved"})
		return
	}
	s := newStream(m, id)
	m.mu.Lock()
	if _, exists := m.streams[id]; exists {
		m.mu.Unlock()
		m.reply(ControlFrame{Op: OpError, StreamID: id, Code: ControlCodeStreamRefused,
			Message: "stream id already in use"})
		return
	}
	m.streams[id] = s
	m.mu.Unlock()

	select {
	case m.accepts <- s:
		m.reply(ControlFrame{Op: OpAcceptStream, StreamID: id})
	default:
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		m.reply(ControlFrame{Op: OpError, StreamID: id, Code: ControlCodeStreamRefused,
			Message: "accept queue full"})
	}
}

// resolveOpen delivers the remote's verdict to a waiting OpenStream.
func (m *mux) resolveOpen(id uint32, result error) {
	m.mu.Lock()
	waiter := m.opens[id]
	delete(m.opens, id)
	m.mu.Unlock()
	if waiter != nil {
		waiter <- result
	}
}

func (m *mux) handleRemoteClose(id uint32, cause error) {
	m.mu.Lock()
	s := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if s != nil {
		s.remoteClose(cause)
	}
}

func (m *mux) handleErrorFrame(frame ControlFrame) {
	err := errorFromFrame(frame)
	if frame.StreamID == ControlStreamID {
		// A channel-level error. During an auth exchange this is the
		// machine's rejection; otherwise it is informational.
		if m.resolveAuth(err) {
			return
		}
		m.logger.Warn("remote channel error",
			"code", frame.Code, "message", frame.Message)
		return
	}
	m.mu.Lock()
	waiter := m.opens[frame.StreamID]
	delete(m.opens, frame.StreamID)
	m.mu.Unlock()
	if waiter != nil {
		waiter <- err
		return
	}
	m.handleRemoteClose(frame.StreamID, err)
}

// errorFromFrame converts a remote OpError frame into the error the
// waiting caller sees. Unauthorized rejections become auth errors so
// the dial orchestrator can recognize them and stop falling back.
func errorFromFrame(frame ControlFrame) error {
	if frame.Code == ControlCodeUnauthorized {
		message := frame.Message
		if message == "" {
			message = "machine rejected the credential"
		}
		return &auth.Error{Code: auth.CodeUnauthorized, Entity: frame.Entity, Message: message}
	}
	if frame.Code == ControlCodeStreamReset {
		return fmt.Errorf("transport: remote reset the stream: %s: %w", frame.Message, ErrStreamReset)
	}
	return fmt.Errorf("transport: remote error %s: %s", frame.Code, frame.Message)
}

func (m *mux) handlePong(seq uint64) {
	m.missedPongs.Store(0)
	if seq == 0 {
		return
	}
	m.mu.Lock()
	waiter := m.pingWaiters[seq]
	delete(m.pingWaiters, seq)
	m.mu.Unlock()
	if waiter != nil {
		close(waiter)
	}
}

// handleAuth runs the machine side of the auth exchange.
func (m *mux) handleAuth(frame ControlFrame) {
	if m.authHandler != nil {
		if err := m.authHandler(frame.Entity, frame.Token); err != nil {
			m.reply(ControlFrame{Op: OpError, Code: ControlCodeUnauthorized,
				Entity: frame.Entity, Message: err.Error()})
			return
		}
	}
	m.reply(ControlFrame{Op: OpAuthOK})
}

// resolveAuth delivers the auth verdict to a waiting Authenticate
// call. It reports whether a call was waiting.
func (m *mux) resolveAuth(result error) bool {
	m.mu.Lock()
	pending := m.authPending
	m.authPending = nil
	m.mu.Unlock()
	if pending == nil {
		return false
	}
	pending <- result
	return true
}

func (m *mux) authenticate(ctx context.Context, token *auth.Token) error {
	if token == nil || token.Empty() {
		return nil
	}
	result := make(chan error, 1)
	m.mu.Lock()
	if m.authPending != nil {
		m.mu.Unlock()
		return errors.New("transport: auth exchange already in flight")
	}
	m.authPending = result
	m.mu.Unlock()

	if err := m.sendControl(ControlFrame{Op: OpAuth, Token: token.Bearer(), Entity: token.Entity()}); err != nil {
		m.mu.Lock()
		m.authPending = nil
		m.mu.Unlock()
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		if m.authPending == result {
			m.authPending = nil
		}
		m.mu.Unlock()
		return ctx.Err()
	case <-m.dead:
		return m.closedErr()
	}
}

func (m *mux) openStream(ctx context.Context) (*Stream, error) {
	select {
	case <-m.dead:
		return nil, m.closedErr()
	default:
	}
	result := make(chan error, 1)
	m.mu.Lock()
	id := m.nextStreamID
	m.nextStreamID++
	s := newStream(m, id)
	m.streams[id] = s
	m.opens[id] = result
	m.mu.Unlock()

	if err := m.sendControl(ControlFrame{Op: OpOpenStream, StreamID: id}); err != nil {
		m.abandonOpen(id)
		return nil, err
	}
	select {
	case err := <-result:
		if err != nil {
			m.abandonOpen(id)
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		m.abandonOpen(id)
		// Tell the remote side the open is void in case it accepted.
		m.reply(ControlFrame{Op: OpCloseStream, StreamID: id})
		return nil, ctx.Err()
	case <-m.dead:
		return nil, m.closedErr()
	}
}

func (m *mux) abandonOpen(id uint32) {
	m.mu.Lock()
	delete(m.opens, id)
	delete(m.streams, id)
	m.mu.Unlock()
}

func (m *mux) ping(ctx context.Context) (time.Duration, error) {
	select {
	case <-m.dead:
		return 0, m.closedErr()
	default:
	}
	seq := m.pingSeq.Add(1)
	pong := make(chan struct{})
	m.mu.Lock()
	m.pingWaiters[seq] = pong
	m.mu.Unlock()

	start := m.clock.Now()
	if err := m.sendControl(ControlFrame{Op: OpPing, Seq: seq}); err != nil {
		m.dropPingWaiter(seq)
		return 0, err
	}
	select {
	case <-pong:
		return m.clock.Now().Sub(start), nil
	case <-ctx.Done():
		m.dropPingWaiter(seq)
		return 0, ctx.Err()
	case <-m.dead:
		m.dropPingWaiter(seq)
		return 0, m.closedErr()
	}
}

func (m *mux) dropPingWaiter(seq uint64) {
	m.mu.Lock()
	delete(m.pingWaiters, seq)
	m.mu.Unlock()
}

// keepaliveLoop pings the remote side on a fixed cadence and declares
// the channel lost when too many pings in a row go unanswered. Any
// pong resets the count, including pongs for diagnostic Pings.
func (m *mux) keepaliveLoop() {
	ticker := m.clock.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if int(m.missedPongs.Load()) >= m.keepaliveGrace {
				m.teardown(&Error{
					Code:    CodeConnectionLost,
					Message: fmt.Sprintf("keepalive: %d pings unanswered", m.keepaliveGrace),
					Err:     ErrChannelClosed,
				})
				return
			}
			m.missedPongs.Add(1)
			if err := m.sendControl(ControlFrame{Op: OpPing, Seq: m.pingSeq.Add(1)}); err != nil {
				return
			}
		case <-m.dead:
			return
		}
	}
}

// teardown kills the channel once. cause becomes the error every later
// operation returns: ErrChannelClosed for a local Close, a
// connection-lost Error otherwise.
func (m *mux) teardown(cause error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.cause = cause
		m.mu.Unlock()
		close(m.dead)
		if err := m.conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			m.logger.Debug("closing channel conn", "error", err)
		}
		m.logger.Debug("channel closed", "cause", cause.Error())
		if m.onClose != nil {
			m.onClose()
		}
	})
}

// closedErr returns the teardown cause, or nil while the channel is
// alive. The cause is always set before dead closes.
func (m *mux) closedErr() error {
	select {
	case <-m.dead:
	default:
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// dropStream removes a locally closed stream from the table so later
// frames for its id are discarded.
func (m *mux) dropStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}
