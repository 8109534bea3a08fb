// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.AfterFunc, time.NewTicker, or time.Sleep directly.
// Real() provides standard library behavior; Fake() provides a
// deterministic clock that advances only when Advance is called.
//
// Every deadline in the bridge — hello timeouts, enqueue timeouts,
// action TTLs, the counters ticker — runs on a Clock, so the protocol
// tests never sleep.
//
// # Wiring pattern
//
//	type Server struct {
//	    clock clock.Clock
//	}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := &Server{clock: c}
//	// ... start goroutines ...
//	c.WaitForTimers(1)        // wait for a timer to be registered
//	c.Advance(3 * time.Second) // fire it deterministically
package clock
