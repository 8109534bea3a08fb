// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Role identifies which side of the bridge a peer is.
type Role string

const (
	RoleUnspecified  Role = ""
	RoleGameClient   Role = "GAME_CLIENT"
	RoleOrchestrator Role = "ORCHESTRATOR"
)

// Valid reports whether the role is one a peer may claim in Hello.
func (r Role) Valid() bool {
	return r == RoleGameClient || r == RoleOrchestrator
}

// Capability is a named protocol feature advertised in Hello and
// confirmed as the intersection in HelloAck.
type Capability string

const (
	CapTelemetryV1 Capability = "TELEMETRY_V1"
	CapTimeSyncV1  Capability = "TIMESYNC_V1"
	CapHelloAckV1  Capability = "HELLO_ACK_V1"
	CapActionV1    Capability = "ACTION_V1"
)

// AllCapabilities is every capability this build understands, in
// canonical order.
var AllCapabilities = []Capability{CapTelemetryV1, CapTimeSyncV1, CapHelloAckV1, CapActionV1}

// HasCapability reports whether set contains c.
func HasCapability(set []Capability, c Capability) bool {
	for _, have := range set {
		if have == c {
			return true
		}
	}
	return false
}

// IntersectCapabilities returns the members of server that the client
// also advertised, preserving server order. The result is what HelloAck
// confirms: a subset of both sets.
func IntersectCapabilities(server, client []Capability) []Capability {
	var negotiated []Capability
	for _, c := range server {
		if HasCapability(client, c) {
			negotiated = append(negotiated, c)
		}
	}
	return negotiated
}

// Hello is the first payload a peer must send after connecting.
type Hello struct {
	AgentID      string       `cbor:"agent_id"`
	Role         Role         `cbor:"role"`
	Capabilities []Capability `cbor:"capabilities,omitempty"`
	ClientVersion string      `cbor:"client_version,omitempty"`

	// HandshakeID is a client-proposed nonce. The bridge records it
	// for diagnostics but never echoes it: the handshake id that
	// downstream components may trust is always server-assigned.
	HandshakeID string `cbor:"handshake_id,omitempty"`
}

// HelloAck is the server's handshake reply to a peer that advertised
// HELLO_ACK_V1.
type HelloAck struct {
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`

	// HandshakeID is server-assigned, replacing any client proposal.
	HandshakeID string `cbor:"handshake_id"`

	// Capabilities is the intersection of the client's advertised set
	// and the server's configured set.
	Capabilities  []Capability `cbor:"capabilities,omitempty"`
	ServerVersion string       `cbor:"server_version,omitempty"`
}

// Dimension is the world dimension a telemetry sample was taken in.
type Dimension string

const (
	DimensionUnspecified Dimension = "UNSPECIFIED"
	DimensionOverworld   Dimension = "OVERWORLD"
	DimensionNether      Dimension = "NETHER"
	DimensionEnd         Dimension = "END"
	DimensionOther       Dimension = "OTHER"
)

// TelemetryFrame is one game-state sample. StateVersion strictly
// increases per session; the bridge drops stale samples.
type TelemetryFrame struct {
	StateVersion uint64 `cbor:"state_version"`

	X     float64 `cbor:"x"`
	Y     float64 `cbor:"y"`
	Z     float64 `cbor:"z"`
	Yaw   float32 `cbor:"yaw"`
	Pitch float32 `cbor:"pitch"`

	// Vitals: hp and hunger are half-heart/half-shank units in
	// [0, 20]; air is ticks in [0, 300].
	HP     int32 `cbor:"hp"`
	Hunger int32 `cbor:"hunger"`
	Air    int32 `cbor:"air"`

	Sprinting bool `cbor:"sprinting,omitempty"`
	Sneaking  bool `cbor:"sneaking,omitempty"`
	OnGround  bool `cbor:"on_ground,omitempty"`

	Dimension Dimension `cbor:"dimension,omitempty"`
	WorldTick uint64    `cbor:"world_tick"`
}

// ActionType identifies what an ActionRequest asks the game client to
// do.
type ActionType string

const (
	// ActionStopAll releases all actuators at the game client. It is
	// idempotent and always allowlisted; the bridge synthesizes it
	// when an action deadline expires.
	ActionStopAll ActionType = "STOP_ALL"

	// ActionBaritoneGoto asks the pathfinder to walk to a position.
	ActionBaritoneGoto ActionType = "BARITONE_GOTO"
)

// BaritoneGoto is the typed payload for ActionBaritoneGoto.
type BaritoneGoto struct {
	X           int32  `cbor:"x"`
	Y           int32  `cbor:"y"`
	Z           int32  `cbor:"z"`
	MaxDistance int32  `cbor:"max_distance,omitempty"`
	TimeoutMS   uint64 `cbor:"timeout_ms,omitempty"`
	StuckTimeoutMS uint64 `cbor:"stuck_timeout_ms,omitempty"`
}

// ActionRequest asks a game client to execute an action. RequestID is
// a non-empty UUID chosen by the originator; the bridge enforces
// bridge-wide uniqueness among live requests.
type ActionRequest struct {
	RequestID string     `cbor:"request_id"`
	Type      ActionType `cbor:"type"`

	// TargetAgentID selects the executing game client. Empty routes
	// to the unique connected game client.
	TargetAgentID string `cbor:"target_agent_id,omitempty"`

	// ExpiresAtUnixMS caps how long the request may stay in flight.
	// Zero means no explicit TTL; the bridge default still applies.
	ExpiresAtUnixMS uint64 `cbor:"expires_at_unix_ms,omitempty"`

	BaritoneGoto *BaritoneGoto `cbor:"baritone_goto,omitempty"`
}

// ActionAck reports whether the executor accepted a request.
type ActionAck struct {
	RequestID string `cbor:"request_id"`
	Accepted  bool   `cbor:"accepted"`
	Reason    string `cbor:"reason,omitempty"`
}

// ActionStatus is the terminal outcome of an ActionRequest.
type ActionStatus string

const (
	ActionOK       ActionStatus = "OK"
	ActionRejected ActionStatus = "REJECTED"
	ActionFailed   ActionStatus = "FAILED"
	ActionTimeout  ActionStatus = "TIMEOUT"
)

// ActionResult is the single terminal message for a request. Every
// accepted request produces exactly one, whether from the executor,
// a TTL expiry, or the emergency-stop coordinator.
type ActionResult struct {
	RequestID string       `cbor:"request_id"`
	Status    ActionStatus `cbor:"status"`
	Detail    string       `cbor:"detail,omitempty"`

	// FinalStateVersion is the telemetry state version the executor
	// observed when the action terminated, when known.
	FinalStateVersion uint64 `cbor:"final_state_version,omitempty"`
}

// TimeSyncRequest asks the bridge for its clocks. T0MonoMS is the
// sender's monotonic send instant, echoed back for RTT estimation.
type TimeSyncRequest struct {
	T0MonoMS uint64 `cbor:"t0_mono_ms"`
}

// TimeSyncResponse carries the bridge clocks alongside the echoed
// request.
type TimeSyncResponse struct {
	ServerMonoMS     uint64           `cbor:"t_server_mono_ms"`
	ServerWallUnixMS uint64           `cbor:"t_server_wall_unix_ms"`
	Echo             *TimeSyncRequest `cbor:"echo,omitempty"`
}

// ErrorFrame surfaces a protocol or relay fault to a peer. Most error
// frames leave the session open; see the ErrorCode documentation for
// the fatal set.
type ErrorFrame struct {
	Code          ErrorCode `cbor:"code"`
	Message       string    `cbor:"message,omitempty"`
	CorrelationID string    `cbor:"correlation_id,omitempty"`
}
