// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/uplink-foundation/uplink/transport"
)

// notifyTimeout bounds the final write to a client during teardown.
// A stalled client must not wedge the proxy's shutdown.
const notifyTimeout = time.Second

// session is one local client connection. Frames the client sends are
// forwarded onto the shared channel; stream data coming back is routed
// to this client only. Stream ids on the socket are the client's own
// choosing; the session maps them to channel stream ids and back, so
// clients never collide.
type session struct {
	proxy   *Proxy
	conn    net.Conn
	channel *transport.Channel
	logger  *slog.Logger

	// writeMu serializes frames onto conn. Stream pumps and control
	// replies write concurrently; frame bytes must not interleave.
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	streams map[uint32]*transport.Stream
}

func newSession(p *Proxy, conn net.Conn, channel *transport.Channel) *session {
	return &session{
		proxy:   p,
		conn:    conn,
		channel: channel,
		logger:  p.logger,
		streams: make(map[uint32]*transport.Stream),
	}
}

// run reads frames from the client until the connection ends, then
// closes every channel stream the client had open.
func (s *session) run(ctx context.Context) {
	defer s.close()
	for {
		streamID, payload, err := transport.ReadFrame(s.conn)
		if err != nil {
			// Client disconnected, or sent unframeable bytes.
			return
		}
		if streamID == transport.ControlStreamID {
			if err := s.handleControl(ctx, payload); err != nil {
				s.logger.Warn("proxy: dropping client", "error", err)
				return
			}
			continue
		}
		s.handleData(streamID, payload)
	}
}

// handleControl dispatches one client control frame. A frame that
// does not decode ends the session: the client does not speak the
// protocol.
func (s *session) handleControl(ctx context.Context, payload []byte) error {
	frame, err := transport.DecodeControl(payload)
	if err != nil {
		return err
	}
	switch frame.Op {
	case transport.OpOpenStream:
		s.handleOpen(ctx, frame.StreamID)
	case transport.OpCloseStream:
		if stream := s.takeStream(frame.StreamID); stream != nil {
			stream.Close()
		}
	case transport.OpPing:
		// Answered locally. The shared channel runs its own
		// keepalive; a client ping measures the socket hop.
		s.sendControl(transport.ControlFrame{Op: transport.OpPong, Seq: frame.Seq})
	case transport.OpAuth:
		// The dialer authenticated the shared channel; clients have
		// no standing to replace its token.
		s.logger.Debug("proxy: ignoring auth frame from client")
	default:
		s.logger.Debug("proxy: ignoring control frame", "op", frame.Op.String())
	}
	return nil
}

// handleOpen opens a channel stream for the client's id. The accept
// reply is sent before the return pump starts, so the client never
// sees data for a stream it has not been told exists.
func (s *session) handleOpen(ctx context.Context, clientID uint32) {
	if clientID == transport.ControlStreamID {
		s.refuseStream(clientID, "stream id 0 is reserved")
		return
	}
	s.mu.Lock()
	_, exists := s.streams[clientID]
	s.mu.Unlock()
	if exists {
		s.refuseStream(clientID, "stream id already open")
		return
	}

	stream, err := s.channel.OpenStream(ctx)
	if err != nil {
		s.logger.Warn("proxy: opening stream on shared channel failed", "error", err)
		s.refuseStream(clientID, "opening stream on shared channel: "+err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return
	}
	s.streams[clientID] = stream
	s.mu.Unlock()

	s.sendControl(transport.ControlFrame{Op: transport.OpAcceptStream, StreamID: clientID})
	go s.pump(clientID, stream)
	s.logger.Debug("proxy: stream opened",
		"client_stream_id", clientID,
		"channel_stream_id", stream.ID(),
	)
}

// handleData forwards one client data frame onto its channel stream.
// Frames for ids that were never opened, already closed, or refused
// are dropped, matching the channel's own treatment of data frames
// for dead streams.
func (s *session) handleData(clientID uint32, payload []byte) {
	s.mu.Lock()
	stream, ok := s.streams[clientID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("proxy: dropping data frame for unknown stream", "client_stream_id", clientID)
		return
	}
	if _, err := stream.Write(payload); err != nil {
		if s.dropStream(clientID) && shouldNotifyClose(err) {
			s.sendControl(transport.ControlFrame{Op: transport.OpCloseStream, StreamID: clientID})
		}
		stream.Close()
	}
}

// pump copies one channel stream back to the client as data frames,
// until the stream ends on either side.
func (s *session) pump(clientID uint32, stream *transport.Stream) {
	buf := make([]byte, transport.MaxFramePayload)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := s.writeFrame(clientID, buf[:n]); werr != nil {
				// Client connection is gone; run handles the rest.
				s.dropStream(clientID)
				stream.Close()
				return
			}
		}
		if err != nil {
			if s.dropStream(clientID) && shouldNotifyClose(err) {
				// The machine side finished the stream; tell the
				// client before its next write lands in a void.
				s.sendControl(transport.ControlFrame{Op: transport.OpCloseStream, StreamID: clientID})
			}
			stream.Close()
			return
		}
	}
}

// shouldNotifyClose reports whether a stream's end deserves a close
// notification to the client. Locally closed streams were ended by
// the client itself, and channel death is announced session-wide, so
// neither repeats it per stream.
func shouldNotifyClose(err error) bool {
	if errors.Is(err, transport.ErrStreamClosed) || errors.Is(err, transport.ErrChannelClosed) {
		return false
	}
	return !transport.IsConnectionLost(err)
}

// takeStream removes and returns the stream mapped to clientID, or
// nil if the id is not mapped.
func (s *session) takeStream(clientID uint32) *transport.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[clientID]
	delete(s.streams, clientID)
	return stream
}

// dropStream removes clientID's mapping and reports whether this call
// removed it. The winner of a racing remote close and client write
// failure sends the single close notification.
func (s *session) dropStream(clientID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[clientID]; !ok {
		return false
	}
	delete(s.streams, clientID)
	return true
}

// writeFrame sends one frame to the client.
func (s *session) writeFrame(streamID uint32, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return transport.WriteFrame(s.conn, streamID, payload)
}

// sendControl sends one control frame to the client. Failures are
// logged, not returned: a client that stopped reading is detected by
// its own read loop ending.
func (s *session) sendControl(frame transport.ControlFrame) {
	payload, err := transport.EncodeControl(frame)
	if err != nil {
		s.logger.Warn("proxy: encoding control frame", "op", frame.Op.String(), "error", err)
		return
	}
	if err := s.writeFrame(transport.ControlStreamID, payload); err != nil {
		s.logger.Debug("proxy: control write to client failed", "op", frame.Op.String(), "error", err)
	}
}

// refuseStream answers a failed open request.
func (s *session) refuseStream(clientID uint32, message string) {
	s.sendControl(transport.ControlFrame{
		Op:       transport.OpError,
		StreamID: clientID,
		Code:     transport.ControlCodeStreamRefused,
		Message:  message,
	})
}

// notifyClosed tells the client the shared channel is gone, then
// closes the connection. Called during proxy teardown.
func (s *session) notifyClosed(message string) {
	s.conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
	s.sendControl(transport.ControlFrame{
		Op:      transport.OpError,
		Code:    string(CodeChannelClosed),
		Message: message,
	})
	s.close()
}

// close tears down the session: the client connection and every
// channel stream the client had open. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*transport.Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		streams = append(streams, stream)
	}
	clear(s.streams)
	s.mu.Unlock()

	s.conn.Close()
	for _, stream := range streams {
		stream.Close()
	}
	s.proxy.dropSession(s)
}
