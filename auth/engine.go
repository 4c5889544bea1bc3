// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/uplink-foundation/uplink/lib/clock"
	"github.com/uplink-foundation/uplink/lib/netutil"
	"github.com/uplink-foundation/uplink/lib/secret"
)

// authenticatePath is the authentication route on a machine's API
// endpoint.
const authenticatePath = "/auth/authenticate"

// expiryGuard is how much remaining lifetime a cached token must have
// to be served. Tokens closer to expiry than this are re-fetched, so a
// caller never receives a token that dies mid-handshake.
const expiryGuard = 30 * time.Second

// exchangeTimeout bounds a token exchange. The exchange runs detached
// from the triggering caller's context because its result is shared;
// this is its only deadline.
const exchangeTimeout = 30 * time.Second

// EngineConfig configures an Engine. The zero value works: stdlib
// defaults for HTTP and logging, the system clock, and a one hour TTL
// for endpoints that omit expiry.
type EngineConfig struct {
	// HTTPClient is used for all exchanges. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Clock drives expiry decisions. Defaults to the system clock.
	Clock clock.Clock
	// DefaultTTL is assumed when a response has no expires_in.
	// Defaults to one hour.
	DefaultTTL time.Duration
}

// Engine exchanges credentials for bearer tokens and caches the
// results. Concurrent requests for the same (endpoint, kind, entity)
// share a single network exchange. Safe for concurrent use.
//
// The engine owns every token it returns; callers must not retain
// tokens past the engine's Close.
type Engine struct {
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	defaultTTL time.Duration

	flight singleflight.Group

	mu    sync.Mutex
	cache map[cacheKey]*Token
}

type cacheKey struct {
	endpoint string // host:port of the authentication endpoint
	kind     CredentialKind
	entity   string
}

func (k cacheKey) String() string {
	return k.endpoint + "|" + string(k.kind) + "|" + k.entity
}

// NewEngine creates an Engine from config, filling in defaults.
func NewEngine(config EngineConfig) *Engine {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{
		httpClient: httpClient,
		logger:     logger,
		clock:      clk,
		defaultTTL: ttl,
		cache:      make(map[cacheKey]*Token),
	}
}

// Obtain returns a bearer token for cred at endpoint. KindNone returns
// [NoAuth] without touching the network. Structural problems with the
// credential fail with CodeMalformed before any request is sent. A
// cached token is served as long as it has at least 30 seconds of
// life left.
func (e *Engine) Obtain(ctx context.Context, endpoint string, cred Credential) (*Token, error) {
	if cred.Kind == KindNone {
		return NoAuth, nil
	}

	baseURL, host, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Message: fmt.Sprintf("invalid endpoint %q", endpoint), Err: err}
	}
	entity, err := cred.resolve(hostnameOf(host))
	if err != nil {
		return nil, err
	}

	key := cacheKey{endpoint: host, kind: cred.Kind, entity: entity}
	if token := e.cached(key); token != nil {
		e.logger.Debug("token cache hit", "endpoint", host, "credential_type", string(cred.Kind), "entity", entity)
		return token, nil
	}

	result, err, _ := e.flight.Do(key.String(), func() (any, error) {
		// A concurrent flight may have refilled the cache between the
		// miss above and this closure running.
		if token := e.cached(key); token != nil {
			return token, nil
		}
		// Every concurrent Obtain for this scope shares the result, so
		// the exchange must not die with whichever caller started it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		token, err := e.authenticate(fetchCtx, baseURL, host, entity, cred)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = token
		e.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Token), nil
}

// Invalidate drops the cached token for cred at endpoint, forcing the
// next Obtain to re-authenticate. Transports call this after the
// machine rejects a token mid-session. The dropped token is not closed
// because in-flight callers may still hold it.
func (e *Engine) Invalidate(endpoint string, cred Credential) {
	_, host, err := normalizeEndpoint(endpoint)
	if err != nil {
		return
	}
	entity, err := cred.resolve(hostnameOf(host))
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.cache, cacheKey{endpoint: host, kind: cred.Kind, entity: entity})
	e.mu.Unlock()
}

// Close releases every cached token's protected memory. Call only at
// teardown, when no returned token is in use anymore.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, token := range e.cache {
		token.close()
		delete(e.cache, key)
	}
	return nil
}

// cached returns the cache entry for key if it is still usable.
func (e *Engine) cached(key cacheKey) *Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	token, ok := e.cache[key]
	if !ok || !token.usable(e.clock.Now(), expiryGuard) {
		if ok {
			delete(e.cache, key)
		}
		return nil
	}
	return token
}

// authenticateRequest is the JSON body of an authentication exchange.
// External-auth exchanges additionally name the entity the new token
// should be scoped to.
type authenticateRequest struct {
	Entity      string          `json:"entity"`
	Credentials wireCredentials `json:"credentials"`
	ToEntity    string          `json:"to_entity,omitempty"`
}

type wireCredentials struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type authenticateResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// authenticate performs one token exchange against baseURL.
func (e *Engine) authenticate(ctx context.Context, baseURL, host, entity string, cred Credential) (*Token, error) {
	e.logger.Debug("authenticating",
		"endpoint", host,
		"credential_type", string(cred.Kind),
		"entity", entity,
	)

	// The payload crosses onto the heap here, inside the JSON body.
	// The encoded buffer is zeroed after the request completes.
	request := authenticateRequest{
		Entity: entity,
		Credentials: wireCredentials{
			Type:    string(cred.Kind),
			Payload: cred.Payload.String(),
		},
	}
	if cred.Kind == KindExternalAuth {
		request.ToEntity = entity
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Entity: entity, Endpoint: host, Message: "encoding request", Err: err}
	}
	defer secret.Zero(encoded)

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+authenticatePath, bytes.NewReader(encoded))
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Entity: entity, Endpoint: host, Message: "building request", Err: err}
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := e.httpClient.Do(httpRequest)
	if err != nil {
		return nil, &Error{Code: CodeUnreachable, Entity: entity, Endpoint: host, Message: "authentication endpoint unreachable", Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		// Parsed below.
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, &Error{
			Code:     CodeUnauthorized,
			Entity:   entity,
			Endpoint: host,
			Message:  fmt.Sprintf("endpoint rejected credentials (%d): %s", response.StatusCode, snippet(netutil.ErrorBody(response.Body))),
		}
	case response.StatusCode >= 500:
		return nil, &Error{
			Code:     CodeUnreachable,
			Entity:   entity,
			Endpoint: host,
			Message:  fmt.Sprintf("endpoint failed (%d): %s", response.StatusCode, snippet(netutil.ErrorBody(response.Body))),
		}
	default:
		return nil, &Error{
			Code:     CodeMalformed,
			Entity:   entity,
			Endpoint: host,
			Message:  fmt.Sprintf("endpoint refused request (%d): %s", response.StatusCode, snippet(netutil.ErrorBody(response.Body))),
		}
	}

	var parsed authenticateResponse
	if err := netutil.DecodeResponse(response.Body, &parsed); err != nil {
		return nil, &Error{Code: CodeMalformed, Entity: entity, Endpoint: host, Message: "parsing response", Err: err}
	}
	if parsed.AccessToken == "" {
		return nil, &Error{Code: CodeMalformed, Entity: entity, Endpoint: host, Message: "response carried no access token"}
	}

	value, err := secret.NewFromString(parsed.AccessToken)
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Entity: entity, Endpoint: host, Message: "storing token", Err: err}
	}

	ttl := e.defaultTTL
	if parsed.ExpiresIn > 0 {
		ttl = time.Duration(parsed.ExpiresIn) * time.Second
	}
	token := &Token{
		value:     value,
		entity:    entity,
		expiresAt: e.clock.Now().Add(ttl),
	}

	e.logger.Debug("token obtained",
		"endpoint", host,
		"entity", entity,
		"expires_at", token.expiresAt,
	)
	return token, nil
}

// normalizeEndpoint turns "host", "host:port", or a URL into the base
// URL to POST to and the host:port cache key. Schemeless endpoints
// default to https.
func normalizeEndpoint(endpoint string) (baseURL, host string, err error) {
	raw := endpoint
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("no host in %q", endpoint)
	}
	return u.Scheme + "://" + u.Host, u.Host, nil
}

// hostnameOf strips the port for entity defaulting. Entities are
// names, not addresses.
func hostnameOf(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// snippet truncates a response body for inclusion in an error message.
func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 256 {
		return body[:256] + "..."
	}
	if body == "" {
		return "(empty body)"
	}
	return body
}
