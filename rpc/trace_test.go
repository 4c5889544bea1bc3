// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"testing"
	"time"
)

func TestDialTraceNilSafe(t *testing.T) {
	var trace *DialTrace
	now := time.Now()
	trace.begin("uplink://robot-7", now)
	idx := trace.beginAttempt(StrategyWebRTC, now)
	if idx != -1 {
		t.Errorf("beginAttempt on nil trace = %d, want -1", idx)
	}
	trace.phase(idx, "offer-sent", now)
	trace.endAttempt(idx, errors.New("boom"), now)
	trace.retried()
	trace.finish(StrategyDirect, now)
}

func TestDialTraceRecords(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var trace DialTrace
	trace.begin("uplink://robot-7:9000", base)

	webrtcIdx := trace.beginAttempt(StrategyWebRTC, base.Add(5*time.Millisecond))
	trace.phase(webrtcIdx, "offer-sent", base.Add(25*time.Millisecond))
	trace.phase(webrtcIdx, "ice-gathering", base.Add(45*time.Millisecond))
	iceErr := errors.New("ice failed")
	trace.endAttempt(webrtcIdx, iceErr, base.Add(105*time.Millisecond))

	directIdx := trace.beginAttempt(StrategyDirect, base.Add(110*time.Millisecond))
	trace.endAttempt(directIdx, nil, base.Add(150*time.Millisecond))
	trace.finish(StrategyDirect, base.Add(151*time.Millisecond))

	if trace.URI != "uplink://robot-7:9000" {
		t.Errorf("URI = %q", trace.URI)
	}
	if trace.Strategy != StrategyDirect {
		t.Errorf("Strategy = %q, want %q", trace.Strategy, StrategyDirect)
	}
	if trace.Duration != 151*time.Millisecond {
		t.Errorf("Duration = %v, want 151ms", trace.Duration)
	}
	if len(trace.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(trace.Attempts))
	}

	webrtcAttempt := trace.Attempts[0]
	if webrtcAttempt.Strategy != StrategyWebRTC {
		t.Errorf("attempt 0 strategy = %q", webrtcAttempt.Strategy)
	}
	if webrtcAttempt.Duration != 100*time.Millisecond {
		t.Errorf("attempt 0 duration = %v, want 100ms", webrtcAttempt.Duration)
	}
	if !errors.Is(webrtcAttempt.Err, iceErr) {
		t.Errorf("attempt 0 err = %v, want %v", webrtcAttempt.Err, iceErr)
	}
	wantPhases := []PhaseTiming{
		{Phase: "offer-sent", Elapsed: 20 * time.Millisecond},
		{Phase: "ice-gathering", Elapsed: 40 * time.Millisecond},
	}
	if len(webrtcAttempt.Phases) != len(wantPhases) {
		t.Fatalf("attempt 0 phases = %v, want %v", webrtcAttempt.Phases, wantPhases)
	}
	for i, want := range wantPhases {
		if webrtcAttempt.Phases[i] != want {
			t.Errorf("phase %d = %+v, want %+v", i, webrtcAttempt.Phases[i], want)
		}
	}

	directAttempt := trace.Attempts[1]
	if directAttempt.Err != nil {
		t.Errorf("attempt 1 err = %v, want nil", directAttempt.Err)
	}
	if directAttempt.Duration != 40*time.Millisecond {
		t.Errorf("attempt 1 duration = %v, want 40ms", directAttempt.Duration)
	}

	// A fresh dial resets the whole record.
	trace.retried()
	trace.begin("uplink://other", base.Add(time.Second))
	if trace.Retried || len(trace.Attempts) != 0 || trace.Strategy != "" {
		t.Errorf("begin did not reset the trace: %+v", trace)
	}
}
