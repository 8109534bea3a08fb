// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"sync"

	"github.com/mikqnpi/miqbridge/protocol"
)

// Registry faults callers branch on when resolving an action target.
var (
	// ErrAgentAlreadyConnected: a game client with the same agent_id
	// holds a live session.
	ErrAgentAlreadyConnected = errors.New("bridge: agent_id already connected")

	// ErrNoUniqueTarget: zero or multiple game clients match an
	// unqualified action target.
	ErrNoUniqueTarget = errors.New("bridge: no unique target")

	// ErrOrchestratorLimit: the orchestrator subscriber cap is
	// reached.
	ErrOrchestratorLimit = errors.New("bridge: orchestrator subscription limit reached")
)

// Registry indexes Established sessions by session_id, game clients
// also by agent_id, and orchestrators as their own set. It is an
// index, not an owner: sessions own their
// queues and deregister themselves on Closing, so a router lookup
// either finds a live enqueue handle or nothing.
type Registry struct {
	mu            sync.Mutex
	byID          map[string]*session
	gameByAgent   map[string]*session
	orchestrators map[string]*session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:          make(map[string]*session),
		gameByAgent:   make(map[string]*session),
		orchestrators: make(map[string]*session),
	}
}

// Register indexes an Established session. A second game client
// claiming a live agent_id is rejected rather than displacing the
// first; the orchestrator cap (0 = unlimited) is enforced under the
// same lock so concurrent handshakes cannot oversubscribe.
func (r *Registry) Register(sess *session, maxOrchestrators int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch sess.role {
	case protocol.RoleGameClient:
		if _, taken := r.gameByAgent[sess.agentID]; taken {
			return ErrAgentAlreadyConnected
		}
		r.gameByAgent[sess.agentID] = sess
	case protocol.RoleOrchestrator:
		if maxOrchestrators > 0 && len(r.orchestrators) >= maxOrchestrators {
			return ErrOrchestratorLimit
		}
		r.orchestrators[sess.id] = sess
	}
	r.byID[sess.id] = sess
	return nil
}

// Deregister removes a session from every index. Idempotent.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)
	delete(r.orchestrators, sessionID)
	if sess.role == protocol.RoleGameClient && r.gameByAgent[sess.agentID] == sess {
		delete(r.gameByAgent, sess.agentID)
	}
}

// ByID resolves a session_id to its live session.
func (r *Registry) ByID(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// GameClientByAgent resolves an agent_id to its game-client session.
func (r *Registry) GameClientByAgent(agentID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.gameByAgent[agentID]
	return sess, ok
}

// UniqueGameClient returns the single connected game client, or
// ErrNoUniqueTarget when zero or multiple are connected.
func (r *Registry) UniqueGameClient() (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.gameByAgent) != 1 {
		return nil, ErrNoUniqueTarget
	}
	for _, sess := range r.gameByAgent {
		return sess, nil
	}
	panic("unreachable")
}

// Orchestrators returns every live orchestrator session.
func (r *Registry) Orchestrators() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*session, 0, len(r.orchestrators))
	for _, sess := range r.orchestrators {
		sessions = append(sessions, sess)
	}
	return sessions
}

// OrchestratorCount returns how many orchestrator sessions are live.
func (r *Registry) OrchestratorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orchestrators)
}

// All returns every registered session, for shutdown.
func (r *Registry) All() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*session, 0, len(r.byID))
	for _, sess := range r.byID {
		sessions = append(sessions, sess)
	}
	return sessions
}
