// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/mikqnpi/miqbridge/lib/config"
	"github.com/mikqnpi/miqbridge/lib/testutil"
	"github.com/mikqnpi/miqbridge/protocol"
	"github.com/mikqnpi/miqbridge/transport"
)

// expectNoEnvelope asserts that ch stays silent for the given
// wall-clock window. Used only for must-not-happen checks; everything
// scheduled runs on the fake clock.
func expectNoEnvelope(t *testing.T, ch <-chan *protocol.Envelope, window time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope: kind=%q", env.Kind())
	case <-time.After(window):
	}
}

// gamePair establishes a game client and an orchestrator session.
func gamePair(t *testing.T, b *testBridge) (game, orch *fakeConn) {
	t.Helper()
	game = b.connect()
	if reply := b.establish(game, "gamepc", protocol.RoleGameClient, allCaps()); !reply.HelloAck.Accepted {
		t.Fatalf("game handshake rejected: %+v", reply)
	}
	orch = b.connect()
	if reply := b.establish(orch, "brain", protocol.RoleOrchestrator, allCaps()); !reply.HelloAck.Accepted {
		t.Fatalf("orchestrator handshake rejected: %+v", reply)
	}
	return game, orch
}

func actionRequestEnvelope(seq uint64, requestID string, expiresAt uint64) *protocol.Envelope {
	env := clientEnvelope(seq)
	env.ActionRequest = &protocol.ActionRequest{
		RequestID:       requestID,
		Type:            protocol.ActionBaritoneGoto,
		TargetAgentID:   "gamepc",
		ExpiresAtUnixMS: expiresAt,
		BaritoneGoto: &protocol.BaritoneGoto{
			X: 10, Y: 64, Z: -20,
			MaxDistance: 100, TimeoutMS: 4000, StuckTimeoutMS: 2000,
		},
	}
	return env
}

func TestActionHappyPath(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R1", 0), receiveTimeout, "sending action request")

	relayed := testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for relayed request")
	if relayed.Kind() != protocol.KindActionRequest || relayed.ActionRequest.RequestID != "R1" {
		t.Fatalf("relayed = %+v", relayed)
	}
	if relayed.ActionRequest.BaritoneGoto == nil || relayed.ActionRequest.BaritoneGoto.Z != -20 {
		t.Fatalf("goto payload lost: %+v", relayed.ActionRequest)
	}

	ackEnv := clientEnvelope(2)
	ackEnv.ActionAck = &protocol.ActionAck{RequestID: "R1", Accepted: true, Reason: "accepted"}
	testutil.RequireSend(t, game.In, ackEnv, receiveTimeout, "sending ack")

	resultEnv := clientEnvelope(3)
	resultEnv.ActionResult = &protocol.ActionResult{
		RequestID: "R1", Status: protocol.ActionOK, Detail: "goto complete", FinalStateVersion: 7,
	}
	testutil.RequireSend(t, game.In, resultEnv, receiveTimeout, "sending result")

	// The orchestrator observes ack before result.
	forwardedAck := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for forwarded ack")
	if forwardedAck.Kind() != protocol.KindActionAck || !forwardedAck.ActionAck.Accepted {
		t.Fatalf("forwarded ack = %+v", forwardedAck)
	}
	forwardedResult := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for forwarded result")
	if forwardedResult.Kind() != protocol.KindActionResult {
		t.Fatalf("forwarded result = %+v", forwardedResult)
	}
	if forwardedResult.ActionResult.Status != protocol.ActionOK ||
		forwardedResult.ActionResult.FinalStateVersion != 7 {
		t.Fatalf("forwarded result = %+v", forwardedResult.ActionResult)
	}

	if got := b.server.correlator.LiveCount(); got != 0 {
		t.Fatalf("correlator LiveCount() = %d after terminal result", got)
	}
	if got := b.server.counters.ActionsCompleted.Load(); got != 1 {
		t.Fatalf("ActionsCompleted = %d", got)
	}
}

func TestDuplicateRequestSuppressed(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R1", 0), receiveTimeout, "sending first request")
	testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for first relay")

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(3, "R1", 0), receiveTimeout, "sending duplicate")

	ack := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for duplicate ack")
	if ack.Kind() != protocol.KindActionAck || ack.ActionAck.Accepted || ack.ActionAck.Reason != "duplicate" {
		t.Fatalf("ack = %+v", ack)
	}
	result := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for duplicate result")
	if result.Kind() != protocol.KindActionResult || result.ActionResult.Status != protocol.ActionRejected {
		t.Fatalf("result = %+v", result)
	}

	// No second entry, no second relay to the game client.
	if got := b.server.correlator.LiveCount(); got != 1 {
		t.Fatalf("correlator LiveCount() = %d, want 1", got)
	}
	expectNoEnvelope(t, game.Out, 200*time.Millisecond)
}

func TestUnroutableTargetRejected(t *testing.T) {
	b := newTestBridge(t, nil)
	orch := b.connect()
	if reply := b.establish(orch, "brain", protocol.RoleOrchestrator, allCaps()); !reply.HelloAck.Accepted {
		t.Fatalf("handshake rejected: %+v", reply)
	}

	// No game client connected; empty target cannot resolve.
	env := clientEnvelope(2)
	env.ActionRequest = &protocol.ActionRequest{RequestID: "R1", Type: protocol.ActionBaritoneGoto}
	testutil.RequireSend(t, orch.In, env, receiveTimeout, "sending untargeted request")

	ack := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for reject ack")
	if ack.ActionAck == nil || ack.ActionAck.Accepted || ack.ActionAck.Reason != "no unique target" {
		t.Fatalf("ack = %+v", ack)
	}
	result := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for reject result")
	if result.ActionResult == nil || result.ActionResult.Status != protocol.ActionRejected {
		t.Fatalf("result = %+v", result)
	}
	if got := b.server.correlator.LiveCount(); got != 0 {
		t.Fatalf("correlator LiveCount() = %d", got)
	}
}

func TestTTLExpiryTriggersEmergencyStop(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	expiresAt := uint64(bridgeEpoch.Add(time.Second).UnixMilli())
	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R2", expiresAt), receiveTimeout, "sending request")
	testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for relayed request")

	// Counters ticker plus the correlator's deadline timer.
	b.clock.WaitForTimers(2)
	b.clock.Advance(time.Second)

	// The game client never acked: the originator gets a synthetic
	// TIMEOUT result...
	result := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for timeout result")
	if result.Kind() != protocol.KindActionResult {
		t.Fatalf("result = %+v", result)
	}
	if result.ActionResult.RequestID != "R2" || result.ActionResult.Status != protocol.ActionTimeout {
		t.Fatalf("result = %+v", result.ActionResult)
	}

	// ...and the game client gets a STOP_ALL with a fresh id and its
	// own 1s TTL.
	stop := testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for emergency stop")
	if stop.Kind() != protocol.KindActionRequest || stop.ActionRequest.Type != protocol.ActionStopAll {
		t.Fatalf("stop = %+v", stop)
	}
	if stop.ActionRequest.RequestID == "R2" || stop.ActionRequest.RequestID == "" {
		t.Fatalf("stop request_id = %q", stop.ActionRequest.RequestID)
	}
	if stop.ActionRequest.TargetAgentID != "gamepc" {
		t.Fatalf("stop target = %q", stop.ActionRequest.TargetAgentID)
	}

	// A lapsed STOP_ALL must not synthesize another.
	b.clock.WaitForTimers(2)
	b.clock.Advance(time.Second)
	expectNoEnvelope(t, game.Out, 200*time.Millisecond)
	expectNoEnvelope(t, orch.Out, 200*time.Millisecond)
}

func TestAckDoesNotCancelTTL(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R3", 0), receiveTimeout, "sending request")
	testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for relayed request")

	ackEnv := clientEnvelope(2)
	ackEnv.ActionAck = &protocol.ActionAck{RequestID: "R3", Accepted: true}
	testutil.RequireSend(t, game.In, ackEnv, receiveTimeout, "sending ack")
	testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for forwarded ack")

	// Default TTL (10 s) lapses with no result.
	b.clock.WaitForTimers(2)
	b.clock.Advance(10 * time.Second)

	result := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for timeout result")
	if result.ActionResult == nil || result.ActionResult.Status != protocol.ActionTimeout {
		t.Fatalf("result = %+v", result)
	}
}

func TestTelemetryFanOut(t *testing.T) {
	b := newTestBridge(t, nil)
	game := b.connect()
	b.establish(game, "gamepc", protocol.RoleGameClient, allCaps())

	orchA := b.connect()
	b.establish(orchA, "brain-a", protocol.RoleOrchestrator, allCaps())
	orchB := b.connect()
	b.establish(orchB, "brain-b", protocol.RoleOrchestrator, allCaps())

	env := clientEnvelope(2)
	env.Telemetry = &protocol.TelemetryFrame{StateVersion: 1, HP: 20, WorldTick: 5}
	testutil.RequireSend(t, game.In, env, receiveTimeout, "sending telemetry")

	for _, orch := range []*fakeConn{orchA, orchB} {
		relayed := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for fan-out")
		if relayed.Kind() != protocol.KindTelemetry || relayed.Telemetry.StateVersion != 1 {
			t.Fatalf("relayed = %+v", relayed)
		}
	}
}

func TestStaleTelemetryDropped(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	env := clientEnvelope(2)
	env.Telemetry = &protocol.TelemetryFrame{StateVersion: 5}
	testutil.RequireSend(t, game.In, env, receiveTimeout, "sending telemetry v5")
	testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for v5")

	// A repeated state_version violates per-session monotonicity; the
	// sample is dropped, the session survives.
	stale := clientEnvelope(3)
	stale.Telemetry = &protocol.TelemetryFrame{StateVersion: 5}
	testutil.RequireSend(t, game.In, stale, receiveTimeout, "sending stale telemetry")

	expectNoEnvelope(t, orch.Out, 200*time.Millisecond)
	if got := b.server.counters.TelemetryDroppedStale.Load(); got != 1 {
		t.Fatalf("TelemetryDroppedStale = %d", got)
	}
}

func TestTelemetryPacing(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.Relay.MinRelayIntervalMS = 100
	})
	game, orch := gamePair(t, b)

	// The first sample after startup always passes.
	env := clientEnvelope(2)
	env.Telemetry = &protocol.TelemetryFrame{StateVersion: 1}
	testutil.RequireSend(t, game.In, env, receiveTimeout, "sending first sample")
	testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for first sample")

	// A second sample inside the interval is paced out.
	fast := clientEnvelope(3)
	fast.Telemetry = &protocol.TelemetryFrame{StateVersion: 2}
	testutil.RequireSend(t, game.In, fast, receiveTimeout, "sending fast sample")
	expectNoEnvelope(t, orch.Out, 200*time.Millisecond)
	if got := b.server.counters.TelemetryDroppedPaced.Load(); got != 1 {
		t.Fatalf("TelemetryDroppedPaced = %d", got)
	}

	// Once the interval has elapsed, samples flow again.
	b.clock.Advance(100 * time.Millisecond)
	slow := clientEnvelope(4)
	slow.Telemetry = &protocol.TelemetryFrame{StateVersion: 3}
	testutil.RequireSend(t, game.In, slow, receiveTimeout, "sending paced sample")
	relayed := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for paced sample")
	if relayed.Telemetry == nil || relayed.Telemetry.StateVersion != 3 {
		t.Fatalf("relayed = %+v", relayed)
	}
}

func TestOrchestratorDisconnectDestroysEntries(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R4", 0), receiveTimeout, "sending request")
	testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for relayed request")

	orch.Close()
	// The entry dies with its originator; the late result finds
	// nothing to forward to.
	deadline := time.Now().Add(receiveTimeout)
	for b.server.correlator.LiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("correlator LiveCount() = %d after originator disconnect", b.server.correlator.LiveCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGameDisconnectTimesOutInFlight(t *testing.T) {
	b := newTestBridge(t, nil)
	game, orch := gamePair(t, b)

	testutil.RequireSend(t, orch.In, actionRequestEnvelope(2, "R5", 0), receiveTimeout, "sending request")
	testutil.RequireReceive(t, game.Out, receiveTimeout, "waiting for relayed request")

	game.Close()

	result := testutil.RequireReceive(t, orch.Out, receiveTimeout, "waiting for disconnect result")
	if result.ActionResult == nil || result.ActionResult.RequestID != "R5" {
		t.Fatalf("result = %+v", result)
	}
	if result.ActionResult.Status != protocol.ActionTimeout || result.ActionResult.Detail != "target disconnected" {
		t.Fatalf("result = %+v", result.ActionResult)
	}
}

func TestOrderedEnqueueTimesOutWhenFull(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.Queues.ActionDepth = 2
	})

	// A session whose writer never runs: the ordered queue only fills.
	sess := newSession(b.server, newFakeConn())
	env := &protocol.Envelope{ActionAck: &protocol.ActionAck{RequestID: "x"}}
	for i := 0; i < 2; i++ {
		if err := sess.EnqueueAction(env, 500*time.Millisecond); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	errs := make(chan error, 1)
	go func() {
		errs <- sess.EnqueueAction(env, 500*time.Millisecond)
	}()

	// Counters ticker plus the enqueue timeout.
	b.clock.WaitForTimers(2)
	b.clock.Advance(500 * time.Millisecond)

	err := testutil.RequireReceive(t, errs, receiveTimeout, "waiting for enqueue timeout")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueOnClosedSession(t *testing.T) {
	b := newTestBridge(t, nil)
	sess := newSession(b.server, newFakeConn())
	sess.close()

	err := sess.EnqueueAction(&protocol.Envelope{ActionAck: &protocol.ActionAck{}}, time.Second)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

// stallConn times out every write, simulating a peer that stopped
// draining its socket.
type stallConn struct {
	*fakeConn
}

func (c *stallConn) WriteEnvelope(*protocol.Envelope, time.Duration) error {
	return transport.ErrWriteTimeout
}

func TestTelemetryStallClosesSessionAfterTransportTimeout(t *testing.T) {
	b := newTestBridge(t, nil)
	conn := &stallConn{fakeConn: newFakeConn()}
	sess := newSession(b.server, conn)
	frame := &protocol.TelemetryFrame{StateVersion: 1}

	// First timed-out sample: dropped, session survives.
	if !sess.sendTelemetry(frame) {
		t.Fatal("first stalled sample closed the session")
	}
	if got := b.server.counters.TelemetryDroppedSend.Load(); got != 1 {
		t.Fatalf("TelemetryDroppedSend = %d", got)
	}

	// Stall persists past the transport send timeout (2 s): fatal.
	b.clock.Advance(2 * time.Second)
	if sess.sendTelemetry(frame) {
		t.Fatal("session survived a persistent stall")
	}
	testutil.RequireClosed(t, conn.Closed(), receiveTimeout, "waiting for close")
}

func TestActionWriteTimeoutClosesSession(t *testing.T) {
	b := newTestBridge(t, nil)
	conn := &stallConn{fakeConn: newFakeConn()}
	sess := newSession(b.server, conn)

	if sess.send(&protocol.Envelope{ActionAck: &protocol.ActionAck{RequestID: "x"}}) {
		t.Fatal("send succeeded on a stalled transport")
	}
	testutil.RequireClosed(t, conn.Closed(), receiveTimeout, "waiting for close")
}
