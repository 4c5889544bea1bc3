// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/clock"
	"github.com/uplink-foundation/uplink/lib/testutil"
)

// selfSignedCert builds a certificate for loopback addresses, good for
// an hour either way.
func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "uplink-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// startMachine accepts connections, wraps each in a channel with
// config, and echoes every stream. It returns the listen address and,
// for TLS listeners, the pool trusting the machine's certificate.
func startMachine(t *testing.T, useTLS bool, config ChannelConfig) (string, *x509.CertPool) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	var listener net.Listener
	var pool *x509.CertPool
	if useTLS {
		cert, certPool := selfSignedCert(t)
		var err error
		listener, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
			Certificates: []tls.Certificate{cert},
		})
		if err != nil {
			t.Fatalf("tls.Listen: %v", err)
		}
		pool = certPool
	} else {
		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("net.Listen: %v", err)
		}
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			ch := NewChannel(conn, config)
			go func() {
				for {
					s, err := ch.AcceptStream(context.Background())
					if err != nil {
						return
					}
					go io.Copy(s, s)
				}
			}()
		}
	}()
	return listener.Addr().String(), pool
}

func TestDialDirectTLSEcho(t *testing.T) {
	addr, pool := startMachine(t, true, ChannelConfig{
		AuthHandler: func(entity, token string) error { return nil },
	})
	dialer := NewDirectDialer(DirectConfig{
		TLSConfig: &tls.Config{RootCAs: pool},
		Logger:    testLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := auth.NewToken("bearer-1", "robot/test", time.Time{})
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	source := TokenSourceFunc(func(ctx context.Context) (*auth.Token, error) {
		return token, nil
	})
	ch, err := dialer.DialDirect(ctx, addr, source)
	if err != nil {
		t.Fatalf("DialDirect: %v", err)
	}
	defer ch.Close()

	s, err := ch.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := s.Write([]byte("over tls")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "over tls" {
		t.Errorf("echo = %q, want %q", got, "over tls")
	}
}

func TestDialDirectInsecureEcho(t *testing.T) {
	addr, _ := startMachine(t, false, ChannelConfig{})
	dialer := NewDirectDialer(DirectConfig{Insecure: true, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := dialer.DialDirect(ctx, addr, nil)
	if err != nil {
		t.Fatalf("DialDirect: %v", err)
	}
	defer ch.Close()
	if _, err := ch.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestDialDirectConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	dialer := NewDirectDialer(DirectConfig{Insecure: true, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = dialer.DialDirect(ctx, addr, nil)
	if err == nil {
		t.Fatal("DialDirect succeeded against a closed port")
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if terr.Code != CodeConnectionRefused {
		t.Errorf("code = %s, want %s", terr.Code, CodeConnectionRefused)
	}
	if terr.Addr != addr {
		t.Errorf("addr = %q, want %q", terr.Addr, addr)
	}
}

func TestDialDirectUntrustedCertificate(t *testing.T) {
	addr, _ := startMachine(t, true, ChannelConfig{})
	// No RootCAs: the machine's self-signed certificate cannot verify.
	dialer := NewDirectDialer(DirectConfig{TLSConfig: &tls.Config{RootCAs: x509.NewCertPool()}, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := dialer.DialDirect(ctx, addr, nil)
	if err == nil {
		t.Fatal("DialDirect accepted an untrusted certificate")
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if terr.Code != CodeTLSFailed {
		t.Errorf("code = %s, want %s", terr.Code, CodeTLSFailed)
	}
}

func TestDialDirectAuthRejected(t *testing.T) {
	addr, pool := startMachine(t, true, ChannelConfig{
		AuthHandler: func(entity, token string) error {
			return errors.New("credential revoked")
		},
	})
	dialer := NewDirectDialer(DirectConfig{
		TLSConfig: &tls.Config{RootCAs: pool},
		Logger:    testLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := auth.NewToken("bearer-1", "robot/test", time.Time{})
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	_, err = dialer.DialDirect(ctx, addr, TokenSourceFunc(func(ctx context.Context) (*auth.Token, error) {
		return token, nil
	}))
	if err == nil {
		t.Fatal("DialDirect succeeded against a rejecting machine")
	}
	if !auth.IsUnauthorized(err) {
		t.Errorf("err = %v, want an unauthorized auth error", err)
	}
}

func TestDialDirectContextCanceled(t *testing.T) {
	dialer := NewDirectDialer(DirectConfig{Insecure: true, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialer.DialDirect(ctx, "127.0.0.1:1", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDialDirectTokenRefresh(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	tokens := make(chan string, 4)
	addr, _ := startMachine(t, false, ChannelConfig{
		AuthHandler: func(entity, token string) error {
			tokens <- token
			return nil
		},
	})
	var calls atomic.Int32
	source := TokenSourceFunc(func(ctx context.Context) (*auth.Token, error) {
		n := calls.Add(1)
		return auth.NewToken(fmt.Sprintf("bearer-%d", n), "robot/test", clk.Now().Add(time.Minute))
	})
	dialer := NewDirectDialer(DirectConfig{
		Insecure: true,
		// Keep the keepalive ticker far away so advances only hit the
		// refresh timer.
		KeepaliveInterval: 10 * time.Minute,
		Logger:            testLogger(),
		Clock:             clk,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := dialer.DialDirect(ctx, addr, source)
	if err != nil {
		t.Fatalf("DialDirect: %v", err)
	}
	defer ch.Close()

	if got := testutil.RequireReceive(t, tokens, 5*time.Second, "initial auth"); got != "bearer-1" {
		t.Errorf("initial token = %q, want %q", got, "bearer-1")
	}
	// Refresh fires tokenRefreshGuard before the minute expiry; the
	// keepalive ticker is the second pending timer.
	clk.WaitForTimers(2)
	clk.Advance(41 * time.Second)
	if got := testutil.RequireReceive(t, tokens, 5*time.Second, "refreshed auth"); got != "bearer-2" {
		t.Errorf("refreshed token = %q, want %q", got, "bearer-2")
	}
}

func TestClassifyDialError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		insecure bool
		want     Code
	}{
		{"unknown authority", x509.UnknownAuthorityError{}, false, CodeTLSFailed},
		{"certificate verification", &tls.CertificateVerificationError{Err: errors.New("expired")}, false, CodeTLSFailed},
		{"record header", tls.RecordHeaderError{Msg: "not a tls handshake"}, false, CodeTLSFailed},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, false, CodeConnectionRefused},
		{"insecure failure", errors.New("broken pipe"), true, CodeConnectionRefused},
		{"handshake failure", errors.New("broken pipe"), false, CodeTLSFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyDialError("198.51.100.7:9000", tc.err, tc.insecure)
			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("err = %T, want *Error", err)
			}
			if terr.Code != tc.want {
				t.Errorf("code = %s, want %s", terr.Code, tc.want)
			}
			if terr.Addr != "198.51.100.7:9000" {
				t.Errorf("addr = %q, want the dialed address", terr.Addr)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("classified error does not unwrap to the cause")
			}
		})
	}
}
