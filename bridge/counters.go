// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "sync/atomic"

// Counters is the bridge's operational metrics surface. Drop counts
// are process-local by design: the wire protocol does not report them.
//
// All fields are atomics; read them through Snapshot.
type Counters struct {
	SessionsOpened atomic.Uint64
	SessionsClosed atomic.Uint64

	TelemetryRelayed      atomic.Uint64
	TelemetryDroppedStale atomic.Uint64
	TelemetryDroppedPaced atomic.Uint64
	TelemetryDroppedSend  atomic.Uint64

	ActionsRelayed   atomic.Uint64
	ActionsRejected  atomic.Uint64
	ActionsExpired   atomic.Uint64
	ActionsCompleted atomic.Uint64

	ProtocolErrors atomic.Uint64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	SessionsOpened uint64
	SessionsClosed uint64

	TelemetryRelayed      uint64
	TelemetryDroppedStale uint64
	TelemetryDroppedPaced uint64
	TelemetryDroppedSend  uint64

	ActionsRelayed   uint64
	ActionsRejected  uint64
	ActionsExpired   uint64
	ActionsCompleted uint64

	ProtocolErrors uint64
}

// Snapshot returns a consistent-enough copy for logging; individual
// loads are atomic, the set is not.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		SessionsOpened:        c.SessionsOpened.Load(),
		SessionsClosed:        c.SessionsClosed.Load(),
		TelemetryRelayed:      c.TelemetryRelayed.Load(),
		TelemetryDroppedStale: c.TelemetryDroppedStale.Load(),
		TelemetryDroppedPaced: c.TelemetryDroppedPaced.Load(),
		TelemetryDroppedSend:  c.TelemetryDroppedSend.Load(),
		ActionsRelayed:        c.ActionsRelayed.Load(),
		ActionsRejected:       c.ActionsRejected.Load(),
		ActionsExpired:        c.ActionsExpired.Load(),
		ActionsCompleted:      c.ActionsCompleted.Load(),
		ProtocolErrors:        c.ProtocolErrors.Load(),
	}
}

// logArgs flattens the snapshot into slog key-value pairs.
func (s CountersSnapshot) logArgs() []any {
	return []any{
		"sessions_opened", s.SessionsOpened,
		"sessions_closed", s.SessionsClosed,
		"telemetry_relayed", s.TelemetryRelayed,
		"telemetry_dropped_stale", s.TelemetryDroppedStale,
		"telemetry_dropped_paced", s.TelemetryDroppedPaced,
		"telemetry_dropped_send", s.TelemetryDroppedSend,
		"actions_relayed", s.ActionsRelayed,
		"actions_rejected", s.ActionsRejected,
		"actions_expired", s.ActionsExpired,
		"actions_completed", s.ActionsCompleted,
		"protocol_errors", s.ProtocolErrors,
	}
}
