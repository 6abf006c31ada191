// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import (
	"math/rand/v2"
	"testing"

	"github.com/garrison-ctf/garrison/fault"
)

func testAllocator(min, max int) *Allocator {
	return &Allocator{
		Min:  min,
		Max:  max,
		Rand: rand.New(rand.NewPCG(1, 2)),
	}
}

func TestAllocateDistinctInRange(t *testing.T) {
	alloc := testAllocator(30000, 60000)

	got, err := alloc.Allocate(5, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}

	seen := make(map[int]struct{})
	for _, port := range got {
		if port < 30000 || port > 60000 {
			t.Errorf("port %d outside [30000, 60000]", port)
		}
		if _, dup := seen[port]; dup {
			t.Errorf("duplicate port %d", port)
		}
		seen[port] = struct{}{}
	}
}

func TestAllocateAvoidsBlocked(t *testing.T) {
	// Scenario from the allocation contract: two required ports
	// against a blocked prefix of the range.
	var blocked []int
	for port := 30000; port <= 30010; port++ {
		blocked = append(blocked, port)
	}

	alloc := testAllocator(30000, 60000)
	got, err := alloc.Allocate(2, blocked)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 2 || got[0] == got[1] {
		t.Fatalf("Allocate = %v, want two distinct ports", got)
	}
	for _, port := range got {
		if port >= 30000 && port <= 30010 {
			t.Errorf("port %d collides with blocked set", port)
		}
		if port < 30000 || port > 60000 {
			t.Errorf("port %d outside range", port)
		}
	}
}

func TestAllocateFullRangeExactly(t *testing.T) {
	// A tiny range where every port must be found.
	alloc := testAllocator(40000, 40004)
	alloc.Attempts = 10000

	got, err := alloc.Allocate(5, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	seen := make(map[int]struct{})
	for _, port := range got {
		seen[port] = struct{}{}
	}
	if len(seen) != 5 {
		t.Fatalf("allocated %v, want all of [40000, 40004]", got)
	}
}

func TestAllocateExhaustionWhenRangeBlocked(t *testing.T) {
	var blocked []int
	for port := 40000; port <= 40004; port++ {
		blocked = append(blocked, port)
	}

	alloc := testAllocator(40000, 40004)
	_, err := alloc.Allocate(1, blocked)
	if !fault.IsKind(err, fault.KindExhausted) {
		t.Fatalf("Allocate = %v, want exhaustion fault", err)
	}
}

func TestAllocateExhaustionTerminates(t *testing.T) {
	// n exceeds the range size: the attempt cap must end the loop
	// rather than spinning forever.
	alloc := testAllocator(40000, 40002)
	_, err := alloc.Allocate(4, nil)
	if !fault.IsKind(err, fault.KindExhausted) {
		t.Fatalf("Allocate = %v, want exhaustion fault", err)
	}
}

func TestAllocateZero(t *testing.T) {
	alloc := testAllocator(30000, 60000)
	got, err := alloc.Allocate(0, nil)
	if err != nil || got != nil {
		t.Fatalf("Allocate(0) = %v, %v; want nil, nil", got, err)
	}
}
