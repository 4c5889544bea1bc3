// Copyright 2026 The Uplink Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowTracksAdvance(t *testing.T) {
	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case got := <-ch:
		if want := epoch.Add(5 * time.Second); !got.Equal(want) {
			t.Fatalf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-c.After(d):
		default:
			t.Fatalf("After(%v) did not deliver immediately", d)
		}
	}
}

func TestFakeAfterFuncStopAndReset(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32
	timer := c.AfterFunc(3*time.Second, func() { fired.Add(1) })

	if !timer.Stop() {
		t.Fatal("Stop on an armed timer = false, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop = true, want false")
	}
	c.Advance(10 * time.Second)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback ran %d times after Stop, want 0", got)
	}

	// Reset re-arms a stopped timer.
	if timer.Reset(2 * time.Second) {
		t.Fatal("Reset on a stopped timer = true, want false")
	}
	c.Advance(2 * time.Second)
	if got := fired.Load(); got != 1 {
		t.Fatalf("callback ran %d times after Reset, want 1", got)
	}
}

func TestFakeAfterFuncZeroRunsSynchronously(t *testing.T) {
	c := Fake(epoch)
	ran := false
	c.AfterFunc(0, func() { ran = true })
	if !ran {
		t.Fatal("AfterFunc(0) did not run the callback before returning")
	}
}

func TestFakeOneShotFiresOnce(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32
	c.AfterFunc(time.Second, func() { fired.Add(1) })

	c.Advance(time.Second)
	c.Advance(time.Second)
	if got := fired.Load(); got != 1 {
		t.Fatalf("one-shot fired %d times, want 1", got)
	}
}

func TestFakeTickerRepeatsAndDrops(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// Three intervals with nobody reading: buffer holds one, the
	// rest drop.
	c.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected one buffered tick")
	}
	select {
	case <-ticker.C:
		t.Fatal("overflow ticks should have been dropped")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("tick delivered after Stop")
	default:
	}
}

func TestFakeTickerPanicsOnNonPositive(t *testing.T) {
	c := Fake(epoch)
	defer func() {
		if recover() == nil {
			t.Fatal("NewTicker(0) did not panic")
		}
	}()
	c.NewTicker(0)
}

func TestFakeCallbacksFireInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var mu sync.Mutex
	var order []int
	for _, n := range []int{3, 1, 2} {
		n := n
		c.AfterFunc(time.Duration(n)*time.Second, func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}

	c.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeSleepAndWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(3 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(3 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not wake after Advance")
	}
}

func TestFakePendingCount(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	c.After(2 * time.Second)

	if got := c.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}
	ticker.Stop()
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after Stop = %d, want 1", got)
	}
	c.Advance(2 * time.Second)
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() after fire = %d, want 0", got)
	}
}

func TestClockImplementations(t *testing.T) {
	var _ Clock = (*FakeClock)(nil)
	var _ Clock = Real()
}
