// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/mikqnpi/miqbridge/lib/clock"
	"github.com/mikqnpi/miqbridge/lib/config"
	"github.com/mikqnpi/miqbridge/protocol"
	"github.com/mikqnpi/miqbridge/relay"
	"github.com/mikqnpi/miqbridge/transport"
)

// countersLogInterval paces the periodic operational counters line.
const countersLogInterval = 60 * time.Second

// Server is the bridge protocol engine: it terminates peer
// connections, runs the per-session state machines, and relays frames
// between peers per channel semantics.
type Server struct {
	cfg   *config.Config
	clock clock.Clock
	log   *slog.Logger

	registry   *Registry
	correlator *relay.Correlator
	estop      *relay.Coordinator
	counters   *Counters

	// tlsConfig is nil when the server is driven directly through
	// HandleConn (tests); then no listener is started.
	tlsConfig *tls.Config
	listener  *transport.Listener

	start time.Time

	// lastTelemetryRelayMS paces telemetry relay when
	// relay.min_relay_interval_ms is set. Monotonic milliseconds.
	lastTelemetryRelayMS atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Server.
type Option func(*Server)

// WithClock substitutes the time source; tests inject clock.Fake.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithLogger substitutes the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithTLS supplies the mutual-TLS material and enables the network
// listener on cfg.BindAddr.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = tlsConfig }
}

// New assembles a server from configuration. Start must be called
// before connections are handled.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		clock:    clock.Real(),
		log:      slog.Default(),
		registry: NewRegistry(),
		counters: &Counters{},
	}
	for _, opt := range opts {
		opt(s)
	}
	// Far enough in the past that pacing never withholds the first
	// sample after startup.
	s.lastTelemetryRelayMS.Store(math.MinInt64 / 2)

	s.correlator = relay.NewCorrelator(s.clock, s.log, s, cfg.Timeouts.ActionDefaultTTL())
	s.estop = &relay.Coordinator{
		Correlator: s.correlator,
		Clock:      s.clock,
		Logger:     s.log,
		Enqueue:    s.enqueueSynthesized,
	}
	return s
}

// Start launches the correlator sweep, the counters ticker, and (when
// TLS material was supplied) the network listener. Returns a bind
// error verbatim so the caller can map it to its exit code.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.start = s.clock.Now()

	go s.correlator.Run(s.ctx)
	go s.logCountersLoop()

	if s.tlsConfig == nil {
		return nil
	}

	s.listener = &transport.Listener{
		Addr:          s.cfg.BindAddr,
		TLS:           s.tlsConfig,
		MaxFrameBytes: s.cfg.Limits.MaxFrameBytes,
		Handle:        s.HandleConn,
		Logger:        s.log,
	}
	return s.listener.Start(s.ctx)
}

// Address returns the bound listen address, for tests using ":0".
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Address()
}

// Close shuts the server down: stop accepting, close every session,
// log the final counters.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, sess := range s.registry.All() {
		sess.close()
	}
	s.log.Info("bridge shut down", s.counters.Snapshot().logArgs()...)
	return err
}

// Counters exposes the operational metrics surface.
func (s *Server) Counters() *Counters { return s.counters }

// HandleConn runs a session on an accepted connection, blocking until
// the session ends.
func (s *Server) HandleConn(conn transport.Conn) {
	s.counters.SessionsOpened.Add(1)
	newSession(s, conn).run()
}

// monoMS is the envelope monotonic clock: milliseconds since the
// server started.
func (s *Server) monoMS() uint64 {
	return uint64(s.clock.Now().Sub(s.start).Milliseconds())
}

// relayTelemetry fans a game-client sample out to every orchestrator's
// latest-only channel, enforcing state_version monotonicity and the
// optional pacing interval first.
func (s *Server) relayTelemetry(src *session, frame *protocol.TelemetryFrame) {
	if frame.StateVersion <= src.lastStateVersion {
		s.counters.TelemetryDroppedStale.Add(1)
		src.log.Debug("stale telemetry dropped",
			"state_version", frame.StateVersion, "last", src.lastStateVersion)
		return
	}
	src.lastStateVersion = frame.StateVersion

	if interval := s.cfg.Relay.MinRelayIntervalMS; interval > 0 {
		now := int64(s.monoMS())
		last := s.lastTelemetryRelayMS.Load()
		if now-last < int64(interval) {
			s.counters.TelemetryDroppedPaced.Add(1)
			return
		}
		s.lastTelemetryRelayMS.Store(now)
	}

	for _, orchestrator := range s.registry.Orchestrators() {
		orchestrator.PublishTelemetry(frame)
	}
	s.counters.TelemetryRelayed.Add(1)
}

// relayActionRequest forwards an orchestrator request to its game
// client: resolve the target, open the correlator entry, enqueue on
// the ordered channel. Every failure answers the originator with a
// reject ack and an immediately terminal result.
func (s *Server) relayActionRequest(orchestrator *session, request *protocol.ActionRequest) {
	target, ok := s.resolveTarget(request)
	if !ok {
		s.rejectAction(orchestrator, request.RequestID, "no unique target")
		return
	}

	if err := s.correlator.Open(request, orchestrator.id, target.id, target.agentID); err != nil {
		switch {
		case errors.Is(err, relay.ErrDuplicateRequest):
			s.rejectAction(orchestrator, request.RequestID, "duplicate")
		case errors.Is(err, relay.ErrEmptyRequestID):
			s.rejectAction(orchestrator, request.RequestID, "empty request_id")
		default:
			s.rejectAction(orchestrator, request.RequestID, err.Error())
		}
		return
	}

	env := &protocol.Envelope{ActionRequest: request}
	if err := target.EnqueueAction(env, s.cfg.Timeouts.SendAction()); err != nil {
		s.correlator.Terminate(request.RequestID, "relay congested")
		s.rejectAction(orchestrator, request.RequestID, "relay congested")
		return
	}
	s.counters.ActionsRelayed.Add(1)
}

// resolveTarget picks the executing game client for a request. An
// empty target_agent_id routes to the unique connected game client.
func (s *Server) resolveTarget(request *protocol.ActionRequest) (*session, bool) {
	if request.TargetAgentID == "" {
		target, err := s.registry.UniqueGameClient()
		return target, err == nil
	}
	return s.registry.GameClientByAgent(request.TargetAgentID)
}

// rejectAction answers the originator with ActionAck{accepted=false}
// followed by a terminal ActionResult{REJECTED}, both through its
// ordered channel so they interleave correctly with relayed traffic.
func (s *Server) rejectAction(orchestrator *session, requestID, reason string) {
	s.counters.ActionsRejected.Add(1)
	orchestrator.log.Info("action rejected", "request_id", requestID, "reason", reason)

	timeout := s.cfg.Timeouts.SendAction()
	ack := &protocol.Envelope{ActionAck: &protocol.ActionAck{
		RequestID: requestID, Accepted: false, Reason: reason,
	}}
	if err := orchestrator.EnqueueAction(ack, timeout); err != nil {
		orchestrator.log.Warn("reject ack dropped", "request_id", requestID, "error", err)
		return
	}
	result := &protocol.Envelope{ActionResult: &protocol.ActionResult{
		RequestID: requestID, Status: protocol.ActionRejected, Detail: reason,
	}}
	if err := orchestrator.EnqueueAction(result, timeout); err != nil {
		orchestrator.log.Warn("reject result dropped", "request_id", requestID, "error", err)
	}
}

// relayActionAck forwards an executor ack to the request's
// originator. Unknown request_ids are logged and dropped: the entry
// already terminated or never existed.
func (s *Server) relayActionAck(game *session, ack *protocol.ActionAck) {
	originatorID, ok := s.correlator.ObserveAck(ack)
	if !ok {
		game.log.Debug("ack for unknown request", "request_id", ack.RequestID)
		return
	}
	if originatorID == "" {
		// Bridge-synthesized request (emergency stop); nobody to tell.
		return
	}
	originator, ok := s.registry.ByID(originatorID)
	if !ok {
		return
	}
	env := &protocol.Envelope{ActionAck: ack}
	if err := originator.EnqueueAction(env, s.cfg.Timeouts.SendAction()); err != nil {
		originator.log.Warn("ack relay dropped", "request_id", ack.RequestID, "error", err)
	}
}

// relayActionResult forwards the terminal result to the originator
// and destroys the correlator entry.
func (s *Server) relayActionResult(game *session, result *protocol.ActionResult) {
	originatorID, ok := s.correlator.ObserveResult(result)
	if !ok {
		game.log.Debug("result for unknown request", "request_id", result.RequestID)
		return
	}
	s.counters.ActionsCompleted.Add(1)
	if originatorID == "" {
		game.log.Debug("emergency stop completed",
			"request_id", result.RequestID, "status", result.Status)
		return
	}
	originator, ok := s.registry.ByID(originatorID)
	if !ok {
		return
	}
	env := &protocol.Envelope{ActionResult: result}
	if err := originator.EnqueueAction(env, s.cfg.Timeouts.SendAction()); err != nil {
		originator.log.Warn("result relay dropped", "request_id", result.RequestID, "error", err)
	}
}

// surfacePeerError logs a peer's error frame and, when its correlation
// id names a live request, forwards it to that request's originator.
func (s *Server) surfacePeerError(src *session, frame *protocol.ErrorFrame) {
	src.log.Warn("peer error",
		"code", string(frame.Code),
		"message", frame.Message,
		"correlation_id", frame.CorrelationID)

	originatorID, ok := s.correlator.OriginatorByRequestID(frame.CorrelationID)
	if !ok || originatorID == "" || originatorID == src.id {
		return
	}
	if originator, found := s.registry.ByID(originatorID); found {
		env := &protocol.Envelope{Error: frame}
		if err := originator.EnqueueAction(env, s.cfg.Timeouts.SendAction()); err != nil {
			originator.log.Debug("correlated error dropped",
				"correlation_id", frame.CorrelationID, "error", err)
		}
	}
}

// ActionExpired implements relay.Hooks: deliver the synthetic TIMEOUT
// result to the originator, then escalate to an emergency stop when
// the lapsed action targeted a still-connected game client.
func (s *Server) ActionExpired(expired relay.ExpiredAction) {
	s.counters.ActionsExpired.Add(1)

	if expired.OriginatorSessionID != "" {
		if originator, ok := s.registry.ByID(expired.OriginatorSessionID); ok {
			env := &protocol.Envelope{ActionResult: &protocol.ActionResult{
				RequestID: expired.RequestID,
				Status:    protocol.ActionTimeout,
				Detail:    expired.Reason,
			}}
			if err := originator.EnqueueAction(env, s.cfg.Timeouts.SendAction()); err != nil {
				originator.log.Warn("timeout result dropped",
					"request_id", expired.RequestID, "error", err)
			}
		}
	}

	// A lapsed STOP_ALL must not synthesize another: the executor is
	// unresponsive and a retry loop helps nobody.
	if expired.Type == protocol.ActionStopAll {
		return
	}
	target, ok := s.registry.ByID(expired.TargetSessionID)
	if !ok || target.role != protocol.RoleGameClient {
		return
	}
	s.estop.Trigger(expired.TargetSessionID, expired.TargetAgentID)
}

// enqueueSynthesized is the emergency-stop coordinator's path onto a
// target session's ordered channel.
func (s *Server) enqueueSynthesized(targetSessionID string, request *protocol.ActionRequest) error {
	target, ok := s.registry.ByID(targetSessionID)
	if !ok {
		return ErrSessionClosed
	}
	env := &protocol.Envelope{ActionRequest: request}
	return target.EnqueueAction(env, s.cfg.Timeouts.SendAction())
}

// logCountersLoop emits the counters line periodically until the
// server stops.
func (s *Server) logCountersLoop() {
	ticker := s.clock.NewTicker(countersLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.log.Info("bridge counters", s.counters.Snapshot().logArgs()...)
		}
	}
}
