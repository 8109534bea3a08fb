// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay correlates asynchronous action traffic across the
// bridge: every relayed ActionRequest gets a tracked entry with a
// deadline, acks and results are routed back to their originator, and
// requests that never terminate are expired and escalated to an
// emergency stop.
//
// The [Correlator] owns the request_id → entry map under a short-held
// mutex with one background sweep goroutine — the sole driver of
// expiry transitions — so each request_id has at most one live entry
// bridge-wide and exactly one terminal outcome. A bounded
// recently-terminal set absorbs retries from buggy clients.
//
// The [Coordinator] synthesizes STOP_ALL toward a game client whose
// action deadline lapsed; the synthesized request is tracked like any
// other, so its own TTL is enforced.
package relay
