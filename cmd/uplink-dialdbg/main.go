// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

// uplink-dialdbg dials a machine once and reports what happened:
// which strategy won, how long each negotiation phase took, and why
// any attempt failed. When every strategy fails it also queries
// multicast DNS for local-network addresses of the target, since "the
// machine is on your desk but not in DNS" is the most common dead end.
//
// The report goes to stdout or to --output. Exit code 0 means the
// dial succeeded, 1 means it failed, 2 means the invocation itself
// was wrong.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/uplink-foundation/uplink/auth"
	"github.com/uplink-foundation/uplink/lib/discovery"
	"github.com/uplink-foundation/uplink/lib/secret"
	"github.com/uplink-foundation/uplink/lib/version"
	"github.com/uplink-foundation/uplink/rpc"
	"golang.org/x/term"
)

func main() {
	os.Exit(run())
}

// arguments holds the parsed command line.
type arguments struct {
	uri            string
	credential     string
	credentialFile string
	credentialType string
	entity         string
	output         string
	configPath     string
	noGRPC         bool
	noWebRTC       bool
	insecure       bool
	verbose        bool

	// typeSet records whether --credential-type appeared explicitly,
	// which turns a missing credential into a prompt instead of an
	// unauthenticated dial.
	typeSet bool
}

func run() int {
	for _, argument := range os.Args[1:] {
		if argument == "--version" {
			fmt.Printf("uplink-dialdbg %s\n", version.Info())
			return 0
		}
	}

	var args arguments
	flagSet := pflag.NewFlagSet("uplink-dialdbg", pflag.ContinueOnError)
	flagSet.StringVar(&args.uri, "uri", "", "machine URI to dial (uplink://host[:port] or host[:port])")
	flagSet.StringVar(&args.credential, "credential", "", "credential secret (prefer --credential-file; prompts when a type is set and no credential given)")
	flagSet.StringVar(&args.credentialFile, "credential-file", "", "read the credential secret from this file")
	flagSet.StringVar(&args.credentialType, "credential-type", string(auth.KindLocationSecret), "credential type: api-key, robot-secret, robot-location-secret, external-auth")
	flagSet.StringVar(&args.entity, "entity", "", "credential entity (required for api-key)")
	flagSet.StringVar(&args.output, "output", "-", "write the report here (- for stdout)")
	flagSet.StringVar(&args.configPath, "config", "", "YAML file with timeout and ICE server overrides")
	flagSet.BoolVar(&args.noGRPC, "nogrpc", false, "skip the post-dial stream and round-trip test")
	flagSet.BoolVar(&args.noWebRTC, "nowebrtc", false, "skip the WebRTC attempt and dial direct only")
	flagSet.BoolVar(&args.insecure, "insecure", false, "dial plaintext (development machines only)")
	flagSet.BoolVar(&args.verbose, "verbose", false, "log dial internals to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	args.typeSet = flagSet.Changed("credential-type")
	if args.uri == "" {
		fmt.Fprintln(os.Stderr, "error: --uri is required")
		flagSet.Usage()
		return 2
	}

	level := slog.LevelWarn
	if args.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := diagnose(ctx, logger, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return code
}

// diagnose runs the dial and writes the report. The returned error is
// for invocation problems only; dial failures are part of the report.
func diagnose(ctx context.Context, logger *slog.Logger, args arguments) (int, error) {
	fileConfig, err := loadConfig(args.configPath)
	if err != nil {
		return 2, err
	}
	credential, err := resolveCredential(args)
	if err != nil {
		return 2, err
	}

	opts := rpc.DialOptions{
		Credential:    credential,
		Insecure:      args.insecure,
		DisableWebRTC: args.noWebRTC,
		Timeout:       fileConfig.Timeouts.Total,
		WebRTCShare:   fileConfig.Timeouts.WebRTCShare,
		ICEServers:    fileConfig.iceServers(),
		Trace:         &rpc.DialTrace{},
		Logger:        logger,
	}

	report := report{uri: args.uri, trace: opts.Trace}
	channel, dialErr := rpc.Dial(ctx, args.uri, opts)
	report.dialErr = dialErr
	if credential.Payload != nil {
		credential.Payload.Close()
	}

	if dialErr == nil {
		defer channel.Close()
		if !args.noGRPC {
			stats, err := sampleRTT(ctx, channel)
			if err != nil {
				report.rttErr = err
			} else {
				report.rtt = &stats
			}
		}
	} else {
		// The dial went nowhere; check whether the machine is at least
		// visible on the local network.
		hints, err := discovery.Lookup(ctx, report.host(), logger)
		if err != nil {
			logger.Debug("mdns lookup failed", "error", err)
		}
		report.hints = hints
	}

	out := os.Stdout
	if args.output != "-" {
		file, err := os.Create(args.output)
		if err != nil {
			return 2, fmt.Errorf("opening output file: %w", err)
		}
		defer file.Close()
		out = file
	}
	if err := report.render(out); err != nil {
		return 2, fmt.Errorf("writing report: %w", err)
	}
	if dialErr != nil {
		return 1, nil
	}
	return 0, nil
}

// resolveCredential builds the dial credential from the flags: a
// literal value, a file, an interactive prompt when a type was set
// explicitly with no secret, or none at all.
func resolveCredential(args arguments) (auth.Credential, error) {
	kind, err := auth.ParseKind(args.credentialType)
	if err != nil {
		return auth.Credential{}, err
	}

	var payload *secret.Buffer
	switch {
	case args.credentialFile != "":
		payload, err = secret.ReadFromPath(args.credentialFile)
		if err != nil {
			return auth.Credential{}, err
		}
	case args.credential != "":
		payload, err = secret.NewFromString(args.credential)
		if err != nil {
			return auth.Credential{}, err
		}
	case args.entity != "" || args.typeSet:
		payload, err = promptCredential(kind)
		if err != nil {
			return auth.Credential{}, err
		}
	default:
		// No credential material and no sign the caller wanted any:
		// dial unauthenticated.
		return auth.Credential{}, nil
	}
	return auth.Credential{Kind: kind, Entity: args.entity, Payload: payload}, nil
}

// promptCredential reads the secret from the terminal with echo off.
func promptCredential(kind auth.CredentialKind) (*secret.Buffer, error) {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no terminal for the %s prompt (use --credential-file)", kind)
	}
	fmt.Fprintf(os.Stderr, "%s: ", kind)
	secretBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	buffer, err := secret.NewFromBytes(secretBytes)
	secret.Zero(secretBytes)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
