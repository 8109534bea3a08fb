// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for miqbridge packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. Apart from
// a few must-not-happen windows and polling loops in individual tests,
// these are where the suite uses real wall-clock timeouts; protocol
// deadlines run on clock.Fake.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// request IDs or agent names.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
