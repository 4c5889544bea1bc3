// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uplink-foundation/uplink/lib/clock"
	"github.com/uplink-foundation/uplink/transport"
)

// Config holds configuration for creating a new Proxy.
type Config struct {
	// SocketDir is the directory for the proxy's unix socket. The
	// socket file is named uplink-<uuid>.sock so concurrent proxies
	// never collide. Defaults to os.TempDir().
	SocketDir string

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock is the time source. Defaults to the real clock.
	Clock clock.Clock
}

// Proxy exposes one dialed channel on a unix socket so that local
// processes can share it. See the package documentation for the
// client protocol.
type Proxy struct {
	logger    *slog.Logger
	clock     clock.Clock
	socketDir string

	mu         sync.Mutex
	served     bool
	channel    *transport.Channel
	listener   net.Listener
	socketPath string
	sessions   map[*session]struct{}
	startedAt  time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a proxy. It does nothing until [Proxy.Serve].
func New(config Config) *Proxy {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	socketDir := config.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	return &Proxy{
		logger:    logger,
		clock:     clk,
		socketDir: socketDir,
		sessions:  make(map[*session]struct{}),
		stopped:   make(chan struct{}),
	}
}

// Serve takes ownership of channel and starts serving it on a fresh
// unix socket, whose path it returns. The transfer poisons the
// caller's handle; from then on the proxy is the channel's only owner
// and closes it when serving ends. Serving ends when ctx is canceled,
// the channel dies, or [Proxy.Close] is called.
//
// A proxy serves one channel in its lifetime. The proxy never
// re-dials a lost channel: clients may hold stream state that a fresh
// channel would silently invalidate, so every client is notified and
// disconnected instead.
func (p *Proxy) Serve(ctx context.Context, channel *transport.Channel) (string, error) {
	if channel == nil {
		return "", fmt.Errorf("proxy: channel is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.served {
		return "", fmt.Errorf("proxy: already serving a channel")
	}
	select {
	case <-p.stopped:
		return "", fmt.Errorf("proxy: closed")
	default:
	}

	socketPath := filepath.Join(p.socketDir, "uplink-"+uuid.NewString()+".sock")
	listener, err := bindSocket(socketPath)
	if err != nil {
		return "", err
	}

	// Transfer last, so a bind failure leaves the caller's channel
	// handle usable.
	owned, err := channel.Transfer()
	if err != nil {
		listener.Close()
		os.Remove(socketPath)
		return "", err
	}

	p.served = true
	p.channel = owned
	p.listener = listener
	p.socketPath = socketPath
	p.startedAt = p.clock.Now()

	go p.acceptLoop(ctx, listener, owned)
	go p.rejectRemoteStreams(ctx, owned)
	go p.watch(ctx, owned)

	p.logger.Info("proxy serving", "socket", socketPath)
	return socketPath, nil
}

// bindSocket creates the unix listener. The socket is mode 0600:
// only the owning user's processes may share the channel.
func bindSocket(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, &Error{Code: CodeEndpointBindFailed, SocketPath: socketPath,
			Message: "removing stale socket", Err: err}
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, &Error{Code: CodeEndpointBindFailed, SocketPath: socketPath,
			Message: "listening on socket", Err: err}
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return nil, &Error{Code: CodeEndpointBindFailed, SocketPath: socketPath,
			Message: "setting socket permissions", Err: err}
	}
	return listener, nil
}

// SocketPath returns the unix socket path, or "" before Serve.
func (p *Proxy) SocketPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socketPath
}

// Close stops the proxy: clients are notified and disconnected, the
// listener closes, the socket file is unlinked, and the shared
// channel is closed. Idempotent, and safe before Serve.
func (p *Proxy) Close() error {
	p.teardown(nil)
	return nil
}

// acceptLoop accepts client connections until the listener closes.
func (p *Proxy) acceptLoop(ctx context.Context, listener net.Listener, channel *transport.Channel) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed during teardown.
			return
		}
		s := newSession(p, conn, channel)
		if !p.registerSession(s) {
			conn.Close()
			return
		}
		go s.run(ctx)
	}
}

// rejectRemoteStreams closes streams the machine opens toward us.
// Local clients initiate every stream, so a machine-initiated stream
// has no client to route to; refusing it immediately beats letting it
// sit half-open.
func (p *Proxy) rejectRemoteStreams(ctx context.Context, channel *transport.Channel) {
	for {
		stream, err := channel.AcceptStream(ctx)
		if err != nil {
			return
		}
		p.logger.Debug("proxy: closing machine-initiated stream", "stream_id", stream.ID())
		stream.Close()
	}
}

// watch stops the proxy when the serve context ends or the shared
// channel dies.
func (p *Proxy) watch(ctx context.Context, channel *transport.Channel) {
	select {
	case <-ctx.Done():
		p.teardown(ctx.Err())
	case <-channel.Done():
		p.teardown(channel.Err())
	case <-p.stopped:
	}
}

func (p *Proxy) registerSession(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stopped:
		return false
	default:
	}
	p.sessions[s] = struct{}{}
	return true
}

func (p *Proxy) dropSession(s *session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

// teardown stops the proxy exactly once: every client gets a
// channel-closed control frame and is disconnected, the listener
// closes, the socket file is unlinked, and the shared channel is
// closed. cause nil means a local Close.
func (p *Proxy) teardown(cause error) {
	p.stopOnce.Do(func() {
		close(p.stopped)

		p.mu.Lock()
		sessions := make([]*session, 0, len(p.sessions))
		for s := range p.sessions {
			sessions = append(sessions, s)
		}
		channel := p.channel
		listener := p.listener
		socketPath := p.socketPath
		startedAt := p.startedAt
		p.mu.Unlock()

		message := "proxy closed"
		if cause != nil {
			message = cause.Error()
		}
		for _, s := range sessions {
			s.notifyClosed(message)
		}
		if listener != nil {
			listener.Close()
		}
		if socketPath != "" {
			os.Remove(socketPath)
		}
		if channel != nil {
			channel.Close()
		}
		if !startedAt.IsZero() {
			p.logger.Info("proxy stopped",
				"socket", socketPath,
				"uptime", p.clock.Now().Sub(startedAt),
			)
		}
	})
}
