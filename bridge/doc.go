// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the session server: the per-connection
// state machine (AwaitingHello → Established → Closing), the frame
// router, the session registry, and the two relay disciplines —
// latest-only for telemetry, bounded FIFO for action traffic.
//
// Each session is a pump goroutine feeding decoded envelopes to one
// session loop. The loop routes inbound frames in arrival order and
// owns every write on the connection — inline replies, the ordered
// action queue, the latest-only telemetry slot — assigning the
// strictly monotonic outbound seq as frames leave. No session touches
// another session's state directly; every cross-session effect goes
// through the destination's queues, looked up via the registry.
//
// Action correlation and TTL enforcement live in package relay; the
// server wires its expiry hook back into session delivery and the
// emergency-stop coordinator.
package bridge
