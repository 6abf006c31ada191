// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, or time.Sleep directly. In
// production, Real() provides the standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when Advance
// is called.
//
// Garrison's lifecycle rules are all time-based — the revert cooldown,
// the staleness threshold, the periodic sweep — so every component that
// evaluates them carries a Clock field. Tests simulate "five minutes
// later" by advancing a FakeClock instead of sleeping.
package clock
