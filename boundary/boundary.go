// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/codec"
	"github.com/uplink-foundation/uplink/lib/secret"
	"github.com/uplink-foundation/uplink/proxy"
	"github.com/uplink-foundation/uplink/rpc"
	"github.com/uplink-foundation/uplink/transport"
)

// Handle identifies one dial owned by the boundary. Values are
// process-local table indices, never pointers, and never reused after
// [Destroy], so a stale handle held by a foreign caller fails loudly
// instead of aliasing a newer dial.
type Handle int64

// recvBacklog is how many received payloads a handle buffers ahead of
// the foreign caller's next [Receive].
const recvBacklog = 32

// ChannelConfig is the CBOR blob [Create] decodes. String keys, not
// integer ones: foreign SDKs build this map by hand and debug it by
// eye.
type ChannelConfig struct {
	// URI is the dial target, "uplink://host[:port]" or bare
	// host[:port].
	URI string `cbor:"uri"`

	// CredentialType is one of the auth package's kind strings
	// ("api-key", "robot-secret", "robot-location-secret",
	// "external-auth"). Empty dials unauthenticated.
	CredentialType string `cbor:"credential_type,omitempty"`

	// Entity names the credential's entity. Required for api-key.
	Entity string `cbor:"entity,omitempty"`

	// Payload is the credential secret. The bytes are copied into
	// protected memory and zeroed during Create.
	Payload []byte `cbor:"payload,omitempty"`

	// DisableWebRTC skips the WebRTC attempt.
	DisableWebRTC bool `cbor:"disable_webrtc,omitempty"`

	// Insecure dials plaintext. Development only.
	Insecure bool `cbor:"insecure,omitempty"`

	// SignalingAddress overrides the signaling endpoint.
	SignalingAddress string `cbor:"signaling_address,omitempty"`
}

// errorBlob is the CBOR shape [LastError] returns.
type errorBlob struct {
	Category string `cbor:"category"`
	Code     int32  `cbor:"code"`
	Message  string `cbor:"message"`
}

// entry is the state behind one handle. The table mutex covers only
// the handle map; each entry serializes its own operations, so a slow
// dial on one handle never blocks calls on another.
type entry struct {
	mu sync.Mutex

	// Set by Create.
	opts rpc.DialOptions
	uri  string

	// payload backs the credential for the channel's lifetime: token
	// refresh re-derives tokens from it. Closed on Destroy.
	payload *secret.Buffer

	// Set by Dial.
	channel *transport.Channel

	// Lazily started by Send/Receive.
	stream  *transport.Stream
	recv    chan []byte
	recvErr error

	// Set by Serve.
	proxy *proxy.Proxy

	// destroyed unblocks the receive pump when the handle dies with
	// payloads still buffered.
	destroyed chan struct{}

	lastErr error
}

// table is the process-owned handle registry.
var table = struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]*entry
}{entries: make(map[Handle]*entry)}

func lookup(h Handle) (*entry, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	e, ok := table.entries[h]
	return e, ok
}

// Create decodes config and allocates a handle for it. No network
// activity happens here; [Dial] runs the dial. Returns the handle and
// [CodeOK], or zero and [CodeSerializationFailed] when the blob does
// not decode or names an unknown credential type.
func Create(config []byte) (Handle, int32) {
	var cc ChannelConfig
	if err := codec.Unmarshal(config, &cc); err != nil {
		return 0, CodeSerializationFailed
	}

	e := &entry{uri: cc.URI, destroyed: make(chan struct{})}
	e.opts = rpc.DialOptions{
		DisableWebRTC:    cc.DisableWebRTC,
		Insecure:         cc.Insecure,
		SignalingAddress: cc.SignalingAddress,
	}
	if cc.CredentialType != "" {
		kind, err := auth.ParseKind(cc.CredentialType)
		if err != nil {
			return 0, CodeSerializationFailed
		}
		// A credential type with no secret is a malformed blob, not an
		// internal fault.
		if len(cc.Payload) == 0 {
			return 0, CodeSerializationFailed
		}
		payload, err := secret.NewFromBytes(cc.Payload)
		secret.Zero(cc.Payload)
		if err != nil {
			return 0, CodeInternal
		}
		e.payload = payload
		e.opts.Credential = auth.Credential{Kind: kind, Entity: cc.Entity, Payload: payload}
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	table.next++
	h := table.next
	table.entries[h] = e
	return h, CodeOK
}

// Dial runs the dial behind h with the given budget in milliseconds
// (zero means the orchestrator's default). Idempotent failure model:
// a failed Dial leaves the handle alive so the caller can read
// [LastError] and Destroy it; a second Dial on a connected handle is
// rejected.
func Dial(h Handle, timeoutMs int64) int32 {
	e, ok := lookup(h)
	if !ok {
		return CodeInvalidHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel != nil {
		return e.misuse("handle already dialed")
	}

	opts := e.opts
	if timeoutMs > 0 {
		opts.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	channel, err := rpc.Dial(context.Background(), e.uri, opts)
	if err != nil {
		return e.fail(err)
	}
	e.channel = channel
	e.lastErr = nil
	return CodeOK
}

// Serve starts a proxy on h's channel and returns the unix socket path
// as a byte buffer owned by the caller. The proxy takes ownership of
// the channel, so Send and Receive stop working on h afterwards;
// foreign clients talk to the socket instead.
func Serve(h Handle) ([]byte, int32) {
	e, ok := lookup(h)
	if !ok {
		return nil, CodeInvalidHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return nil, CodeNotConnected
	}
	if e.proxy != nil {
		return nil, e.misuse("handle already serving")
	}

	p := proxy.New(proxy.Config{Logger: e.opts.Logger})
	socketPath, err := p.Serve(context.Background(), e.channel)
	if err != nil {
		return nil, e.fail(err)
	}
	e.proxy = p
	return []byte(socketPath), CodeOK
}

// Send writes payload on h's stream, opening the stream on first use.
// The payload is fully written to the transport before Send returns;
// the boundary keeps no reference to it.
func Send(h Handle, payload []byte) int32 {
	e, ok := lookup(h)
	if !ok {
		return CodeInvalidHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stream, code := e.ensureStream()
	if code != CodeOK {
		return code
	}
	if _, err := stream.Write(payload); err != nil {
		return e.fail(err)
	}
	return CodeOK
}

// Receive returns the next payload from h's stream, blocking up to
// timeoutMs milliseconds (zero or negative blocks indefinitely). The
// returned buffer is owned by the caller. A timeout returns a nil
// buffer and [CodeOK]: no data is not an error.
func Receive(h Handle, timeoutMs int64) ([]byte, int32) {
	e, ok := lookup(h)
	if !ok {
		return nil, CodeInvalidHandle
	}

	e.mu.Lock()
	_, code := e.ensureStream()
	recv := e.recv
	e.mu.Unlock()
	if code != CodeOK {
		return nil, code
	}

	var deadline <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case payload, ok := <-recv:
		if !ok {
			e.mu.Lock()
			code := e.fail(e.recvErr)
			e.mu.Unlock()
			return nil, code
		}
		return payload, CodeOK
	case <-deadline:
		return nil, CodeOK
	case <-e.destroyed:
		// The handle was destroyed out from under a blocked Receive.
		return nil, CodeInvalidHandle
	}
}

// ensureStream opens the handle's stream and starts the receive pump
// on first use. Caller holds e.mu.
func (e *entry) ensureStream() (*transport.Stream, int32) {
	if e.channel == nil {
		return nil, CodeNotConnected
	}
	if e.proxy != nil {
		return nil, e.misuse("channel is owned by the proxy")
	}
	if e.stream != nil {
		return e.stream, CodeOK
	}
	stream, err := e.channel.OpenStream(context.Background())
	if err != nil {
		return nil, e.fail(err)
	}
	e.stream = stream
	e.recv = make(chan []byte, recvBacklog)
	go e.pump(stream, e.recv)
	return stream, CodeOK
}

// pump moves stream payloads into the receive buffer until the stream
// ends, then records why and closes the buffer.
func (e *entry) pump(stream *transport.Stream, recv chan []byte) {
	for {
		buf := make([]byte, transport.MaxFramePayload)
		n, err := stream.Read(buf)
		if n > 0 {
			select {
			case recv <- buf[:n]:
			case <-e.destroyed:
				return
			}
		}
		if err != nil {
			e.mu.Lock()
			e.recvErr = err
			e.mu.Unlock()
			close(recv)
			return
		}
	}
}

// Destroy releases everything behind h: the proxy if one is serving,
// the channel, and the credential's protected memory. The handle value
// is dead afterwards; a second Destroy returns [CodeInvalidHandle].
func Destroy(h Handle) int32 {
	table.mu.Lock()
	e, ok := table.entries[h]
	delete(table.entries, h)
	table.mu.Unlock()
	if !ok {
		return CodeInvalidHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.destroyed)
	if e.proxy != nil {
		e.proxy.Close()
	} else if e.channel != nil {
		if e.stream != nil {
			e.stream.Close()
		}
		e.channel.Close()
	}
	if e.payload != nil {
		e.payload.Close()
	}
	return CodeOK
}

// LastError returns h's most recent failure as a CBOR blob of
// category, code, and message, or a nil buffer and [CodeOK] when the
// handle has none.
func LastError(h Handle) ([]byte, int32) {
	e, ok := lookup(h)
	if !ok {
		return nil, CodeInvalidHandle
	}
	e.mu.Lock()
	lastErr := e.lastErr
	e.mu.Unlock()
	if lastErr == nil {
		return nil, CodeOK
	}

	code := statusOf(lastErr)
	blob, err := codec.Marshal(errorBlob{
		Category: categoryOf(code),
		Code:     code,
		Message:  lastErr.Error(),
	})
	if err != nil {
		return nil, CodeSerializationFailed
	}
	return blob, CodeOK
}

// fail records err as the handle's last error and returns its status
// code. Caller holds e.mu.
func (e *entry) fail(err error) int32 {
	e.lastErr = err
	return statusOf(err)
}

// misuse is fail for lifecycle violations, which have no mapped
// category and report [CodeInternal].
func (e *entry) misuse(message string) int32 {
	e.lastErr = fmt.Errorf("boundary: %s", message)
	return CodeInternal
}
