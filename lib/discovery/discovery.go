// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery answers one question for diagnostics: is the
// machine we failed to reach advertising itself on the local network?
//
// [Lookup] queries multicast DNS for hostnames derived from a machine
// URI and reports any addresses found. uplink-dialdbg runs it after a
// failed dial so the operator can tell "wrong credentials" apart from
// "machine not on this network".
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// perNameTimeout bounds each individual mDNS query. Machines answer
// within milliseconds when present; waiting longer only delays the
// report.
const perNameTimeout = 2 * time.Second

// Result is one mDNS answer: the name that resolved and the address it
// resolved to.
type Result struct {
	Name string
	Addr netip.Addr
}

// Lookup queries multicast DNS for the candidate local names of host
// and returns every answer received. Names that do not resolve are
// skipped silently; an empty slice with a nil error means the machine
// is not discoverable on this network. The error is non-nil only when
// the multicast sockets cannot be opened.
func Lookup(ctx context.Context, host string, logger *slog.Logger) ([]Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := openConn()
	if err != nil {
		return nil, fmt.Errorf("discovery: opening multicast sockets: %w", err)
	}
	defer conn.Close()

	var results []Result
	for _, name := range CandidateNames(host) {
		queryCtx, cancel := context.WithTimeout(ctx, perNameTimeout)
		_, addr, err := conn.QueryAddr(queryCtx, name)
		cancel()
		if err != nil {
			logger.Debug("mdns name did not resolve", "name", name, "error", err)
			continue
		}
		logger.Debug("mdns name resolved", "name", name, "addr", addr.String())
		results = append(results, Result{Name: name, Addr: addr})
		if ctx.Err() != nil {
			break
		}
	}
	return results, nil
}

// CandidateNames derives the mDNS names worth querying for a URI host.
// A host already under .local is queried as-is; otherwise both the
// full host and its first label are tried under .local, since machines
// commonly advertise their short name.
func CandidateNames(host string) []string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return nil
	}
	if strings.HasSuffix(host, ".local") {
		return []string{host}
	}

	names := []string{host + ".local"}
	if label, _, found := strings.Cut(host, "."); found && label != "" {
		short := label + ".local"
		if short != names[0] {
			names = append(names, short)
		}
	}
	return names
}

// openConn binds the IPv4 and IPv6 multicast groups used by mDNS and
// wraps them in a querying connection.
func openConn() (*mdns.Conn, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, err
	}
	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		return nil, err
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, err
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		// IPv6 may be disabled; IPv4 alone still answers.
		l6 = nil
	}

	var packet6 *ipv6.PacketConn
	if l6 != nil {
		packet6 = ipv6.NewPacketConn(l6)
	}
	return mdns.Server(ipv4.NewPacketConn(l4), packet6, &mdns.Config{})
}
