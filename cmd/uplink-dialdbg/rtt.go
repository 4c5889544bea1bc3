// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/uplink-foundation/uplink/transport"
)

// rttSamples is how many pings the post-dial test sends. Enough for a
// stable min, few enough to keep the tool snappy.
const rttSamples = 5

// rttStats summarizes the post-dial round-trip test.
type rttStats struct {
	Samples       int
	Min, Avg, Max time.Duration
}

// sampleRTT verifies the channel does real work, then measures it: a
// stream open/close round trip, followed by rttSamples control-frame
// pings.
func sampleRTT(ctx context.Context, channel *transport.Channel) (rttStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := streamSmokeTest(ctx, channel); err != nil {
		return rttStats{}, err
	}

	var stats rttStats
	var total time.Duration
	for i := 0; i < rttSamples; i++ {
		rtt, err := channel.Ping(ctx)
		if err != nil {
			return rttStats{}, fmt.Errorf("ping %d: %w", i+1, err)
		}
		if stats.Samples == 0 || rtt < stats.Min {
			stats.Min = rtt
		}
		if rtt > stats.Max {
			stats.Max = rtt
		}
		total += rtt
		stats.Samples++
	}
	stats.Avg = total / time.Duration(stats.Samples)
	return stats, nil
}

// streamSmokeTest opens and closes one stream. The open waits for the
// machine's accept, so success means the multiplexing layer works end
// to end, not just the underlying conn.
func streamSmokeTest(ctx context.Context, channel *transport.Channel) error {
	stream, err := channel.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("opening test stream: %w", err)
	}
	return stream.Close()
}
