// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikqnpi/miqbridge/lib/clock"
	"github.com/mikqnpi/miqbridge/lib/version"
	"github.com/mikqnpi/miqbridge/protocol"
	"github.com/mikqnpi/miqbridge/transport"
)

// Enqueue faults callers branch on when relaying to a destination.
var (
	// ErrSessionClosed: the destination session is closing or closed.
	ErrSessionClosed = errors.New("bridge: session closed")

	// ErrQueueFull: the destination's ordered queue stayed full past
	// the enqueue timeout.
	ErrQueueFull = errors.New("bridge: ordered queue full")
)

type sessionState int

const (
	stateAwaitingHello sessionState = iota
	stateEstablished
	stateClosing
)

// session is one live authenticated stream between the bridge and a
// peer. A pump goroutine feeds inbound envelopes to the session loop;
// the loop owns every write on the connection — inline replies,
// the ordered action queue, and the latest-only telemetry slot — so
// outbound seq assignment and frame ordering need no further locking.
// Cross-session traffic arrives only through the enqueue methods.
type session struct {
	server *Server
	conn   transport.Conn
	log    *slog.Logger

	id string

	// Handshake-assigned identity, written once before Established.
	role          protocol.Role
	agentID       string
	caps          []protocol.Capability
	handshakeID   string
	clientVersion string

	mu         sync.Mutex
	state      sessionState
	registered bool

	peerSeqLast atomic.Uint64
	localSeq    atomic.Uint64

	// lastStateVersion tracks the telemetry monotonicity invariant.
	// Loop-owned.
	lastStateVersion uint64

	// actions is the ordered channel: relayed action traffic in
	// per-source FIFO order, bounded, with enqueue-side timeout.
	actions chan *protocol.Envelope

	// telemetry is the latest-only channel drained by the loop.
	telemetry *latestSlot

	// stallSince tracks how long telemetry writes have been timing
	// out; a stall past the transport send timeout closes the
	// session. Loop-owned.
	stallSince time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// inboundFrame is one pump delivery: a decoded envelope or the read
// error that produced nothing.
type inboundFrame struct {
	env *protocol.Envelope
	err error
}

func newSession(server *Server, conn transport.Conn) *session {
	ctx, cancel := context.WithCancel(server.ctx)
	id := uuid.NewString()
	return &session{
		server:    server,
		conn:      conn,
		log:       server.log.With("session_id", id, "remote", conn.RemoteAddr()),
		id:        id,
		state:     stateAwaitingHello,
		actions:   make(chan *protocol.Envelope, server.cfg.Queues.ActionDepth),
		telemetry: newLatestSlot(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// run drives the session to completion: handshake, then the session
// loop until the transport dies or a fatal protocol error lands.
// Always exits through close().
func (s *session) run() {
	defer s.close()

	helloTimer := s.server.clock.AfterFunc(s.server.cfg.Timeouts.Hello(), s.onHelloTimeout)
	defer helloTimer.Stop()

	env, err := s.conn.ReadEnvelope()
	if !s.handshake(env, err, helloTimer) {
		return
	}

	inbound := make(chan inboundFrame)
	go s.readPump(inbound)
	s.loop(inbound)
}

// onHelloTimeout fires when no Hello arrived inside the handshake
// window. The error frame is written from the timer goroutine: the
// session loop does not exist yet, and handshake aborts before
// writing once the state has left AwaitingHello.
func (s *session) onHelloTimeout() {
	s.mu.Lock()
	if s.state != stateAwaitingHello {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	s.mu.Unlock()

	s.log.Info("hello timeout")
	s.send(s.errorEnvelope(protocol.ErrCodeHelloTimeout, "hello timeout", "hello-timeout"))
	s.conn.Close()
}

// handshake validates the first envelope and completes the
// AwaitingHello state. Returns true when the session reached
// Established.
func (s *session) handshake(env *protocol.Envelope, readErr error, helloTimer *clock.Timer) bool {
	s.mu.Lock()
	if s.state != stateAwaitingHello {
		// The hello timer won the race; it already sent the error.
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	if !helloTimer.Stop() {
		// The timer is firing concurrently; it owns the close.
		return false
	}

	if readErr != nil {
		var decodeErr *transport.DecodeError
		if errors.As(readErr, &decodeErr) {
			s.server.counters.ProtocolErrors.Add(1)
			s.send(s.errorEnvelope(protocol.ErrCodeCodec, "invalid hello envelope", "hello-decode"))
		}
		return false
	}

	if env.ProtocolVersion != protocol.Version {
		s.send(s.errorEnvelope(protocol.ErrCodeVersionMismatch, "protocol_version mismatch", "hello-proto"))
		return false
	}
	s.peerSeqLast.Store(env.Seq)

	if env.Kind() != protocol.KindHello {
		s.send(s.errorEnvelope(protocol.ErrCodeHandshakeRequired, "expected hello", "hello-shape"))
		return false
	}
	hello := env.Hello

	supportsHelloAck := protocol.HasCapability(hello.Capabilities, protocol.CapHelloAckV1)
	handshakeID := uuid.NewString()

	if !hello.Role.Valid() {
		s.rejectHandshake(supportsHelloAck, handshakeID, "unsupported peer role")
		return false
	}
	if hello.Role == protocol.RoleOrchestrator && !s.server.cfg.Relay.AllowOrchestratorSubscribe {
		s.rejectHandshake(supportsHelloAck, handshakeID, "orchestrator subscriptions are disabled")
		return false
	}
	if hello.HandshakeID != "" {
		// Recorded for diagnostics only; the id downstream components
		// may trust is always server-assigned.
		s.log.Warn("ignored client-proposed handshake_id",
			"agent_id", hello.AgentID, "client_handshake_id", hello.HandshakeID)
	}

	s.role = hello.Role
	s.agentID = hello.AgentID
	s.clientVersion = hello.ClientVersion
	s.handshakeID = handshakeID
	s.caps = protocol.IntersectCapabilities(s.server.cfg.Server.Capabilities, hello.Capabilities)
	s.log = s.log.With("agent_id", s.agentID, "role", string(s.role))

	if err := s.server.registry.Register(s, s.server.cfg.Relay.MaxOrchestratorSubscribers); err != nil {
		reason := "registration failed"
		switch {
		case errors.Is(err, ErrAgentAlreadyConnected):
			reason = "agent_id already connected"
		case errors.Is(err, ErrOrchestratorLimit):
			reason = "orchestrator subscription limit reached"
		}
		s.rejectHandshake(supportsHelloAck, handshakeID, reason)
		return false
	}

	s.mu.Lock()
	s.state = stateEstablished
	s.registered = true
	s.mu.Unlock()

	var reply *protocol.Envelope
	if supportsHelloAck {
		reply = &protocol.Envelope{HelloAck: &protocol.HelloAck{
			Accepted:      true,
			Reason:        "ok",
			HandshakeID:   handshakeID,
			Capabilities:  s.caps,
			ServerVersion: version.Server(),
		}}
	} else {
		// Legacy peers predate HelloAck: the acknowledgement is a
		// Hello shaped like their own, carrying the server version.
		reply = &protocol.Envelope{Hello: &protocol.Hello{
			AgentID:       "bridge",
			Capabilities:  s.server.cfg.Server.Capabilities,
			ClientVersion: version.Server(),
			HandshakeID:   handshakeID,
		}}
	}
	if !s.send(reply) {
		return false
	}

	s.log.Info("session established",
		"client_version", s.clientVersion,
		"handshake_id", handshakeID,
		"capabilities", s.caps)
	return true
}

// rejectHandshake answers a refused Hello in the peer's dialect and
// leaves the session to close.
func (s *session) rejectHandshake(supportsHelloAck bool, handshakeID, reason string) {
	s.log.Info("handshake rejected", "reason", reason)
	if supportsHelloAck {
		s.send(&protocol.Envelope{HelloAck: &protocol.HelloAck{
			Accepted:      false,
			Reason:        reason,
			HandshakeID:   handshakeID,
			ServerVersion: version.Server(),
		}})
		return
	}
	s.send(s.errorEnvelope(protocol.ErrCodeRoleViolation, reason, "hello-reject"))
}

// readPump feeds inbound frames to the session loop. It exits on a
// terminal read error (after delivering it) or when the session
// closes.
func (s *session) readPump(inbound chan<- inboundFrame) {
	for {
		env, err := s.conn.ReadEnvelope()
		select {
		case inbound <- inboundFrame{env: env, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			var decodeErr *transport.DecodeError
			if !errors.As(err, &decodeErr) {
				return
			}
		}
	}
}

// loop is the Established-state engine: it routes inbound frames in
// arrival order and drains the outbound channels, writing everything
// inline so frames leave in a single, seq-ordered stream.
func (s *session) loop(inbound <-chan inboundFrame) {
	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-inbound:
			if frame.err != nil {
				var decodeErr *transport.DecodeError
				if errors.As(frame.err, &decodeErr) {
					// Bad frame on a healthy connection: answer and
					// keep reading.
					s.server.counters.ProtocolErrors.Add(1)
					if !s.send(s.errorEnvelope(protocol.ErrCodeCodec, "decode failed", "frame-decode")) {
						return
					}
					continue
				}
				s.log.Debug("transport closed", "error", frame.err)
				return
			}
			if !s.routeInbound(frame.env) {
				return
			}

		case env := <-s.actions:
			if !s.send(env) {
				return
			}

		case <-s.telemetry.Ready():
			frame := s.telemetry.Take()
			if frame == nil {
				continue
			}
			if !s.sendTelemetry(frame) {
				return
			}
		}
	}
}

// routeInbound validates the envelope header and dispatches the
// payload. Returns false when the error is fatal to the session; the
// error frame has already been written by then.
func (s *session) routeInbound(env *protocol.Envelope) bool {
	if env.ProtocolVersion != protocol.Version {
		s.server.counters.ProtocolErrors.Add(1)
		s.send(s.errorEnvelope(protocol.ErrCodeVersionMismatch, "protocol_version mismatch", "msg-proto"))
		return false
	}

	last := s.peerSeqLast.Load()
	if env.Seq < last {
		s.server.counters.ProtocolErrors.Add(1)
		s.send(s.errorEnvelope(protocol.ErrCodeSequenceRewind, "inbound seq moved backwards", "msg-seq"))
		return false
	}
	s.peerSeqLast.Store(env.Seq)

	switch env.Kind() {
	case protocol.KindTelemetry:
		if !s.requireRole(protocol.RoleGameClient, "telemetry") {
			return true
		}
		s.server.relayTelemetry(s, env.Telemetry)

	case protocol.KindActionRequest:
		if !s.requireRole(protocol.RoleOrchestrator, "action_request") {
			return true
		}
		s.server.relayActionRequest(s, env.ActionRequest)

	case protocol.KindActionAck:
		if !s.requireRole(protocol.RoleGameClient, "action_ack") {
			return true
		}
		s.server.relayActionAck(s, env.ActionAck)

	case protocol.KindActionResult:
		if !s.requireRole(protocol.RoleGameClient, "action_result") {
			return true
		}
		s.server.relayActionResult(s, env.ActionResult)

	case protocol.KindTimeSyncRequest:
		return s.send(&protocol.Envelope{TimeSyncResponse: &protocol.TimeSyncResponse{
			ServerMonoMS:     s.server.monoMS(),
			ServerWallUnixMS: uint64(s.server.clock.Now().UnixMilli()),
			Echo:             env.TimeSyncRequest,
		}})

	case protocol.KindError:
		s.server.surfacePeerError(s, env.Error)

	case protocol.KindHello, protocol.KindHelloAck:
		s.server.counters.ProtocolErrors.Add(1)
		return s.send(s.errorEnvelope(protocol.ErrCodeUnexpectedPayload, "handshake already complete", "msg-unexpected"))

	case protocol.KindNone:
		// A well-formed envelope carrying a variant this build does
		// not know. Downgrade, keep the session.
		return s.send(s.errorEnvelope(protocol.ErrCodeUnsupportedPayload, "unknown payload variant", "msg-unsupported"))
	}
	return true
}

// requireRole enforces the routing table's source-role column. A
// mismatch drops the payload with ROLE_VIOLATION; the session stays
// open.
func (s *session) requireRole(want protocol.Role, payload string) bool {
	if s.role == want {
		return true
	}
	s.server.counters.ProtocolErrors.Add(1)
	s.log.Warn("role violation", "payload", payload)
	s.send(s.errorEnvelope(protocol.ErrCodeRoleViolation, payload+" not permitted for role", "msg-role"))
	return false
}

// PublishTelemetry offers a sample to this session's latest-only
// channel. Never blocks; a newer sample replaces an undelivered one.
func (s *session) PublishTelemetry(frame *protocol.TelemetryFrame) {
	s.telemetry.Publish(frame)
}

// EnqueueAction places an envelope on the ordered channel, waiting up
// to timeout for space.
func (s *session) EnqueueAction(env *protocol.Envelope, timeout time.Duration) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}
	// Fast path: space available, no timer needed.
	select {
	case s.actions <- env:
		return nil
	default:
	}
	select {
	case s.actions <- env:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-s.server.clock.After(timeout):
		return ErrQueueFull
	}
}

// send emits one envelope under the transport send timeout. A timeout
// or write error is fatal: the peer's transport is stalled or gone.
func (s *session) send(env *protocol.Envelope) bool {
	err := s.conn.WriteEnvelope(s.stamp(env), s.server.cfg.Timeouts.TransportSend())
	if err == nil {
		s.stallSince = time.Time{}
		return true
	}
	if errors.Is(err, transport.ErrWriteTimeout) {
		s.log.Warn("transport stalled, closing session")
	} else {
		s.log.Debug("write failed", "error", err)
	}
	s.close()
	return false
}

// sendTelemetry emits a sample under the (much shorter) telemetry
// send timeout. A timed-out sample is dropped, not the session —
// unless the stall persists past the transport send timeout.
func (s *session) sendTelemetry(frame *protocol.TelemetryFrame) bool {
	env := &protocol.Envelope{Telemetry: frame}
	err := s.conn.WriteEnvelope(s.stamp(env), s.server.cfg.Timeouts.SendTelemetry())
	if err == nil {
		s.stallSince = time.Time{}
		return true
	}
	if !errors.Is(err, transport.ErrWriteTimeout) {
		s.log.Debug("write failed", "error", err)
		s.close()
		return false
	}

	s.server.counters.TelemetryDroppedSend.Add(1)
	now := s.server.clock.Now()
	if s.stallSince.IsZero() {
		s.stallSince = now
		return true
	}
	if now.Sub(s.stallSince) >= s.server.cfg.Timeouts.TransportSend() {
		s.log.Warn("transport stalled, closing session")
		s.close()
		return false
	}
	return true
}

// stamp fills the envelope header: protocol version, session
// identity, strictly monotonic seq, and the ack mirroring the last
// observed peer seq.
func (s *session) stamp(env *protocol.Envelope) *protocol.Envelope {
	env.ProtocolVersion = protocol.Version
	env.SessionID = s.id
	env.Seq = s.localSeq.Add(1)
	env.Ack = s.peerSeqLast.Load()
	env.MonoMS = s.server.monoMS()
	env.WallUnixMS = uint64(s.server.clock.Now().UnixMilli())
	return env
}

func (s *session) errorEnvelope(code protocol.ErrorCode, message, hint string) *protocol.Envelope {
	return &protocol.Envelope{Error: protocol.NewErrorFrame(code, message, hint)}
}

// close moves the session to Closing exactly once: deregister, fail
// in-flight correlator entries, cancel the queues, drop the
// transport.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		registered := s.registered
		s.mu.Unlock()

		if registered {
			s.server.registry.Deregister(s.id)
			s.server.correlator.SessionClosed(s.id)
		}
		s.cancel()
		s.conn.Close()
		s.server.counters.SessionsClosed.Add(1)
		s.log.Info("session closed")
	})
}
