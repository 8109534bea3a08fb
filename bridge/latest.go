// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sync/atomic"

	"github.com/mikqnpi/miqbridge/protocol"
)

// latestSlot is the latest-only telemetry channel: a single-slot
// mailbox where a newer sample overwrites an older undelivered one.
// The writer never blocks; the destination's session loop drains it. Intermediate samples are dropped by construction, which is the
// point — delivery always hands over the freshest sample available.
type latestSlot struct {
	slot  atomic.Pointer[protocol.TelemetryFrame]
	ready chan struct{}
}

func newLatestSlot() *latestSlot {
	return &latestSlot{ready: make(chan struct{}, 1)}
}

// Publish stores the sample, replacing any undelivered predecessor,
// and nudges the drainer. Never blocks.
func (l *latestSlot) Publish(frame *protocol.TelemetryFrame) {
	l.slot.Store(frame)
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Ready signals that a sample may be waiting. A receipt does not
// guarantee Take returns non-nil: the slot may already have been
// drained on a prior wakeup.
func (l *latestSlot) Ready() <-chan struct{} { return l.ready }

// Take removes and returns the pending sample, or nil.
func (l *latestSlot) Take() *protocol.TelemetryFrame {
	return l.slot.Swap(nil)
}
