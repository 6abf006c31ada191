// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}

	fake.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Fatalf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})

	go func() {
		fake.Sleep(10 * time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// A multi-interval advance delivers at most one buffered tick;
	// the overflow is dropped, matching time.Ticker.
	fake.Advance(3 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after multi-interval advance")
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}

	if got := fake.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d after Stop, want 0", got)
	}
}
