// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import (
	"math/rand/v2"

	"github.com/garrison-ctf/garrison/fault"
)

// DefaultAttempts is the per-port draw cap. With the default range of
// 30001 candidates, 100 attempts makes spurious exhaustion vanishingly
// unlikely until the range is nearly full.
const DefaultAttempts = 100

// Allocator draws collision-free host ports from a fixed inclusive
// range.
//
// Allocation is probabilistic and non-locking: candidates are checked
// against a point-in-time snapshot of bound ports, not reserved
// transactionally. A second concurrent allocator may pick an
// overlapping port before the orchestrator binds it; that collision
// surfaces as a retryable orchestrator-side creation failure, and this
// component makes no attempt to hide it.
type Allocator struct {
	// Min and Max bound the assignment range, inclusive.
	Min int
	Max int

	// Attempts caps the random draws per requested port. Zero means
	// DefaultAttempts.
	Attempts int

	// Rand is the random source. Nil means the shared global source;
	// tests inject a seeded one for determinism.
	Rand *rand.Rand
}

// Allocate returns n distinct ports from [Min, Max], none of which
// appear in blocked. Returns an exhaustion fault if the attempt cap
// runs out before n ports are found — never loops indefinitely, even
// when blocked covers the whole range.
func (a *Allocator) Allocate(n int, blocked []int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	attempts := a.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	span := a.Max - a.Min + 1

	taken := make(map[int]struct{}, len(blocked)+n)
	for _, port := range blocked {
		taken[port] = struct{}{}
	}

	draw := func(limit int) int {
		if a.Rand != nil {
			return a.Rand.IntN(limit)
		}
		return rand.IntN(limit)
	}

	allocated := make([]int, 0, n)
	for range n {
		found := false
		for range attempts {
			candidate := a.Min + draw(span)
			if _, used := taken[candidate]; used {
				continue
			}
			taken[candidate] = struct{}{}
			allocated = append(allocated, candidate)
			found = true
			break
		}
		if !found {
			return nil, fault.Exhaustedf("no free port found in [%d, %d] after %d attempts", a.Min, a.Max, attempts)
		}
	}

	return allocated, nil
}
