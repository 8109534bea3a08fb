// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mikqnpi/miqbridge/lib/clock"
	"github.com/mikqnpi/miqbridge/protocol"
)

// StopAllTTL bounds how long a synthesized STOP_ALL may stay in
// flight before its own deadline lapses.
const StopAllTTL = time.Second

// Coordinator synthesizes the emergency stop: when an action deadline
// lapses against a live game client, the client gets a STOP_ALL with a
// fresh request_id, tracked like any other action so its own TTL is
// enforced. STOP_ALL is idempotent at the executor and always
// allowlisted, so firing it on every lapse is safe.
type Coordinator struct {
	Correlator *Correlator
	Clock      clock.Clock
	Logger     *slog.Logger

	// Enqueue pushes a synthesized request onto the target session's
	// ordered channel. Supplied by the bridge server.
	Enqueue func(targetSessionID string, request *protocol.ActionRequest) error
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Trigger sends STOP_ALL to the given game-client session. The
// synthesized entry has no originator session: its terminal result is
// consumed by the bridge itself.
func (c *Coordinator) Trigger(targetSessionID, targetAgentID string) {
	request := &protocol.ActionRequest{
		RequestID:       uuid.NewString(),
		Type:            protocol.ActionStopAll,
		TargetAgentID:   targetAgentID,
		ExpiresAtUnixMS: uint64(c.Clock.Now().Add(StopAllTTL).UnixMilli()),
	}

	if err := c.Correlator.Open(request, "", targetSessionID, targetAgentID); err != nil {
		c.logger().Error("emergency stop not tracked",
			"target_agent_id", targetAgentID, "error", err)
		return
	}
	if err := c.Enqueue(targetSessionID, request); err != nil {
		c.Correlator.Terminate(request.RequestID, "emergency stop enqueue failed")
		c.logger().Error("emergency stop not delivered",
			"target_agent_id", targetAgentID, "error", err)
		return
	}

	c.logger().Warn("emergency stop dispatched",
		"request_id", request.RequestID, "target_agent_id", targetAgentID)
}
