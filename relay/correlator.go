// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mikqnpi/miqbridge/lib/clock"
	"github.com/mikqnpi/miqbridge/protocol"
)

// Sentinel errors callers branch on to build the reject ack/result.
var (
	// ErrEmptyRequestID: the request carried no request_id.
	ErrEmptyRequestID = errors.New("relay: empty request_id")

	// ErrDuplicateRequest: the request_id is live or recently terminal.
	ErrDuplicateRequest = errors.New("relay: duplicate request_id")
)

// Duplicate-suppression horizon for recently terminal request_ids.
const (
	recentCapacity = 1024
	recentTTL      = 60 * time.Second
)

// ExpiredAction describes an entry that was destroyed without a
// terminal result from the executor: its deadline lapsed, or a session
// it depended on went away.
type ExpiredAction struct {
	RequestID           string
	Type                protocol.ActionType
	OriginatorSessionID string
	TargetSessionID     string
	TargetAgentID       string

	// Reason distinguishes a deadline lapse from a target disconnect
	// for the synthesized ActionResult detail.
	Reason string
}

// Hooks receives correlator escalations. Implemented by the bridge
// server: it delivers the synthetic TIMEOUT result to the originator
// and decides whether an emergency stop follows.
type Hooks interface {
	ActionExpired(expired ExpiredAction)
}

type phase int

const (
	phaseAwaitingAck phase = iota
	phaseAwaitingResult
)

type entry struct {
	requestID           string
	actionType          protocol.ActionType
	originatorSessionID string
	targetSessionID     string
	targetAgentID       string
	deadline            time.Time
	phase               phase
	created             time.Time

	// done marks the entry terminal so stale heap items are skipped.
	done bool

	// heapIndex is maintained by deadlineHeap.
	heapIndex int
}

// Correlator owns the request_id → entry map. All mutations happen
// under a short-held mutex; the one background sweep goroutine (Run)
// is the sole driver of deadline expiry.
type Correlator struct {
	clock      clock.Clock
	log        *slog.Logger
	hooks      Hooks
	defaultTTL time.Duration

	mu        sync.Mutex
	entries   map[string]*entry
	deadlines deadlineHeap
	recent    *recentIDs

	// wake nudges the sweep loop after the earliest deadline changes.
	wake chan struct{}
}

// NewCorrelator builds a correlator. Run must be started for deadlines
// to fire. defaultTTL caps every request's lifetime regardless of the
// originator's expires_at.
func NewCorrelator(clk clock.Clock, logger *slog.Logger, hooks Hooks, defaultTTL time.Duration) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		clock:      clk,
		log:        logger,
		hooks:      hooks,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*entry),
		recent:     newRecentIDs(recentCapacity, recentTTL),
		wake:       make(chan struct{}, 1),
	}
}

// Open tracks a request accepted for relay. The deadline is the
// earlier of the request's expires_at and now + defaultTTL. Returns
// ErrEmptyRequestID or ErrDuplicateRequest without creating an entry.
func (c *Correlator) Open(request *protocol.ActionRequest, originatorSessionID, targetSessionID, targetAgentID string) error {
	if request.RequestID == "" {
		return ErrEmptyRequestID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, live := c.entries[request.RequestID]; live || c.recent.Seen(request.RequestID, now) {
		return ErrDuplicateRequest
	}

	deadline := now.Add(c.defaultTTL)
	if request.ExpiresAtUnixMS > 0 {
		if explicit := time.UnixMilli(int64(request.ExpiresAtUnixMS)); explicit.Before(deadline) {
			deadline = explicit
		}
	}

	tracked := &entry{
		requestID:           request.RequestID,
		actionType:          request.Type,
		originatorSessionID: originatorSessionID,
		targetSessionID:     targetSessionID,
		targetAgentID:       targetAgentID,
		deadline:            deadline,
		phase:               phaseAwaitingAck,
		created:             now,
	}
	c.entries[request.RequestID] = tracked
	heap.Push(&c.deadlines, tracked)
	c.kickLocked()
	return nil
}

// Terminate destroys an entry whose enqueue failed (relay congestion,
// an undeliverable emergency stop). The id enters the duplicate
// horizon; no hook fires.
func (c *Correlator) Terminate(requestID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, ok := c.entries[requestID]
	if !ok {
		return
	}
	c.finishLocked(tracked)
	c.log.Debug("action terminated", "request_id", requestID, "reason", reason)
}

// ObserveAck routes an executor ack: returns the originator session to
// forward it to. An accepted ack advances the phase; the deadline
// stands until a terminal result arrives.
func (c *Correlator) ObserveAck(ack *protocol.ActionAck) (originatorSessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, exists := c.entries[ack.RequestID]
	if !exists {
		return "", false
	}
	if ack.Accepted {
		tracked.phase = phaseAwaitingResult
	}
	return tracked.originatorSessionID, true
}

// ObserveResult routes a terminal result: destroys the entry and
// returns the originator session to forward it to.
func (c *Correlator) ObserveResult(result *protocol.ActionResult) (originatorSessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, exists := c.entries[result.RequestID]
	if !exists {
		return "", false
	}
	c.finishLocked(tracked)
	return tracked.originatorSessionID, true
}

// OriginatorByRequestID resolves a live request_id to its originator
// session, for surfacing correlated peer error frames.
func (c *Correlator) OriginatorByRequestID(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, exists := c.entries[requestID]
	if !exists {
		return "", false
	}
	return tracked.originatorSessionID, true
}

// LiveCount returns the number of in-flight entries.
func (c *Correlator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SessionClosed reacts to a session leaving the bridge.
//
// Entries originated by the session are destroyed silently: the only
// consumer of their terminal result is gone (the loss is logged).
// Entries targeting the session are expired through Hooks so their
// originators still receive a terminal result.
func (c *Correlator) SessionClosed(sessionID string) {
	c.mu.Lock()
	var lost int
	var expired []ExpiredAction
	for _, tracked := range c.entries {
		switch sessionID {
		case tracked.originatorSessionID:
			c.finishLocked(tracked)
			lost++
		case tracked.targetSessionID:
			c.finishLocked(tracked)
			expired = append(expired, c.expiredActionLocked(tracked, "target disconnected"))
		}
	}
	c.mu.Unlock()

	if lost > 0 {
		c.log.Info("destroyed in-flight actions of disconnected originator",
			"session_id", sessionID, "count", lost)
	}
	for _, action := range expired {
		c.hooks.ActionExpired(action)
	}
}

// Run drives deadline expiry until ctx is cancelled. Start it once,
// on its own goroutine.
func (c *Correlator) Run(ctx context.Context) {
	for {
		var fire <-chan time.Time
		if wait, pending := c.untilNextDeadline(); pending {
			fire = c.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			// Earliest deadline changed; recompute the wait.
		case <-fire:
			c.expireDue()
		}
	}
}

// untilNextDeadline peeks the earliest live deadline, pruning stale
// heap items on the way.
func (c *Correlator) untilNextDeadline() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if c.deadlines.Len() == 0 {
		return 0, false
	}
	return c.deadlines[0].deadline.Sub(c.clock.Now()), true
}

// expireDue destroys every entry whose deadline has passed and fires
// the expiry hook for each, outside the lock.
func (c *Correlator) expireDue() {
	c.mu.Lock()
	now := c.clock.Now()
	var expired []ExpiredAction
	for {
		c.pruneLocked()
		if c.deadlines.Len() == 0 || c.deadlines[0].deadline.After(now) {
			break
		}
		tracked := c.deadlines[0]
		c.finishLocked(tracked)
		expired = append(expired, c.expiredActionLocked(tracked, "ack/result deadline exceeded"))
	}
	c.mu.Unlock()

	for _, action := range expired {
		c.log.Warn("action deadline exceeded",
			"request_id", action.RequestID,
			"type", action.Type,
			"target_agent_id", action.TargetAgentID)
		c.hooks.ActionExpired(action)
	}
}

// finishLocked marks an entry terminal: out of the live map, into the
// duplicate horizon. The heap item is dropped lazily by pruneLocked.
func (c *Correlator) finishLocked(tracked *entry) {
	tracked.done = true
	delete(c.entries, tracked.requestID)
	c.recent.Add(tracked.requestID, c.clock.Now())
}

// pruneLocked pops terminal entries off the top of the heap.
func (c *Correlator) pruneLocked() {
	for c.deadlines.Len() > 0 && c.deadlines[0].done {
		heap.Pop(&c.deadlines)
	}
}

func (c *Correlator) expiredActionLocked(tracked *entry, reason string) ExpiredAction {
	return ExpiredAction{
		RequestID:           tracked.requestID,
		Type:                tracked.actionType,
		OriginatorSessionID: tracked.originatorSessionID,
		TargetSessionID:     tracked.targetSessionID,
		TargetAgentID:       tracked.targetAgentID,
		Reason:              reason,
	}
}

// kickLocked nudges the sweep loop; the buffer makes it a no-op when a
// nudge is already pending.
func (c *Correlator) kickLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deadlineHeap orders entries by deadline; one heap for every entry
// bounds timer load no matter how many actions are live.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deadlineHeap) Push(x any) {
	tracked := x.(*entry)
	tracked.heapIndex = len(*h)
	*h = append(*h, tracked)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	tracked := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	tracked.heapIndex = -1
	return tracked
}
