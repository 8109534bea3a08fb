// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Version is the only protocol version this bridge speaks. Every
// accepted envelope must carry it.
const Version uint32 = 1

// PayloadKind names an envelope's payload variant for routing and logs.
type PayloadKind string

const (
	KindNone             PayloadKind = "none"
	KindHello            PayloadKind = "hello"
	KindHelloAck         PayloadKind = "hello_ack"
	KindTelemetry        PayloadKind = "telemetry"
	KindActionRequest    PayloadKind = "action_request"
	KindActionAck        PayloadKind = "action_ack"
	KindActionResult     PayloadKind = "action_result"
	KindTimeSyncRequest  PayloadKind = "timesync_request"
	KindTimeSyncResponse PayloadKind = "timesync_response"
	KindError            PayloadKind = "error"
)

// Envelope is the outer wire message. Exactly one payload field is set
// on a valid envelope; a decoded envelope with no payload set came
// from a peer speaking a newer variant this build does not know.
type Envelope struct {
	ProtocolVersion uint32 `cbor:"protocol_version"`

	// SessionID is the sender's session identity. Server-to-peer
	// envelopes carry the server-assigned session id.
	SessionID string `cbor:"session_id,omitempty"`

	// Seq is assigned by the sender in strictly monotonic increments.
	Seq uint64 `cbor:"seq"`

	// Ack is the last peer seq the sender has observed.
	Ack uint64 `cbor:"ack"`

	MonoMS     uint64 `cbor:"mono_ms"`
	WallUnixMS uint64 `cbor:"wall_unix_ms"`

	Hello            *Hello            `cbor:"hello,omitempty"`
	HelloAck         *HelloAck         `cbor:"hello_ack,omitempty"`
	Telemetry        *TelemetryFrame   `cbor:"telemetry,omitempty"`
	ActionRequest    *ActionRequest    `cbor:"action_request,omitempty"`
	ActionAck        *ActionAck        `cbor:"action_ack,omitempty"`
	ActionResult     *ActionResult     `cbor:"action_result,omitempty"`
	TimeSyncRequest  *TimeSyncRequest  `cbor:"timesync_request,omitempty"`
	TimeSyncResponse *TimeSyncResponse `cbor:"timesync_response,omitempty"`
	Error            *ErrorFrame       `cbor:"error,omitempty"`
}

// Kind returns the payload variant carried by the envelope, or
// KindNone when no known variant is set.
func (e *Envelope) Kind() PayloadKind {
	switch {
	case e.Hello != nil:
		return KindHello
	case e.HelloAck != nil:
		return KindHelloAck
	case e.Telemetry != nil:
		return KindTelemetry
	case e.ActionRequest != nil:
		return KindActionRequest
	case e.ActionAck != nil:
		return KindActionAck
	case e.ActionResult != nil:
		return KindActionResult
	case e.TimeSyncRequest != nil:
		return KindTimeSyncRequest
	case e.TimeSyncResponse != nil:
		return KindTimeSyncResponse
	case e.Error != nil:
		return KindError
	}
	return KindNone
}

// payloadCount returns how many payload variants are set. Valid
// envelopes have exactly one.
func (e *Envelope) payloadCount() int {
	count := 0
	for _, set := range []bool{
		e.Hello != nil,
		e.HelloAck != nil,
		e.Telemetry != nil,
		e.ActionRequest != nil,
		e.ActionAck != nil,
		e.ActionResult != nil,
		e.TimeSyncRequest != nil,
		e.TimeSyncResponse != nil,
		e.Error != nil,
	} {
		if set {
			count++
		}
	}
	return count
}
