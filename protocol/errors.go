// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/google/uuid"

// ErrorCode names a protocol or relay fault carried by ErrorFrame.
//
// Codes marked fatal close the session after the frame is sent; all
// others leave an Established session open. Any error frame sent
// while the handshake is refused is followed by a close.
type ErrorCode string

const (
	// ErrCodeCodec: the envelope could not be decoded or exceeded the
	// frame ceiling.
	ErrCodeCodec ErrorCode = "CODEC_ERROR"

	// ErrCodeVersionMismatch: protocol_version was not 1. Fatal.
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// ErrCodeHandshakeRequired: a non-Hello payload arrived before the
	// handshake completed. Fatal.
	ErrCodeHandshakeRequired ErrorCode = "HANDSHAKE_REQUIRED"

	// ErrCodeHelloTimeout: no Hello arrived within the handshake
	// window. Fatal.
	ErrCodeHelloTimeout ErrorCode = "HELLO_TIMEOUT"

	// ErrCodeRoleViolation: a payload arrived from a role that may not
	// send it, or a Hello was rejected by admission policy.
	ErrCodeRoleViolation ErrorCode = "ROLE_VIOLATION"

	// ErrCodeUnexpectedPayload: Hello or HelloAck arrived after the
	// handshake.
	ErrCodeUnexpectedPayload ErrorCode = "UNEXPECTED_PAYLOAD"

	// ErrCodeUnsupportedPayload: a well-formed envelope carried a
	// payload variant this build does not know.
	ErrCodeUnsupportedPayload ErrorCode = "UNSUPPORTED_PAYLOAD"

	// ErrCodeDuplicateRequest: an ActionRequest reused a live or
	// recently terminal request_id.
	ErrCodeDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"

	// ErrCodeTargetUnroutable: no unique game client matched an
	// ActionRequest's target.
	ErrCodeTargetUnroutable ErrorCode = "TARGET_UNROUTABLE"

	// ErrCodeRelayCongested: the destination's ordered queue stayed
	// full past the enqueue timeout.
	ErrCodeRelayCongested ErrorCode = "RELAY_CONGESTED"

	// ErrCodeActionTTLExpired: an ActionRequest reached its deadline
	// without a terminal result.
	ErrCodeActionTTLExpired ErrorCode = "ACTION_TTL_EXPIRED"

	// ErrCodeTransportStalled: the peer's transport would not accept
	// writes within the transport send timeout. Fatal.
	ErrCodeTransportStalled ErrorCode = "TRANSPORT_STALLED"

	// ErrCodeSequenceRewind: an inbound seq moved backwards. Fatal.
	ErrCodeSequenceRewind ErrorCode = "SEQUENCE_REWIND"
)

// Fatal reports whether a session is closed after this code is sent.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrCodeVersionMismatch, ErrCodeHelloTimeout, ErrCodeTransportStalled,
		ErrCodeSequenceRewind, ErrCodeHandshakeRequired:
		return true
	}
	return false
}

// NewErrorFrame builds an ErrorFrame with a correlation id of the form
// "<hint>-<uuid>" so log lines on both sides of the wire can be joined.
func NewErrorFrame(code ErrorCode, message, correlationHint string) *ErrorFrame {
	return &ErrorFrame{
		Code:          code,
		Message:       message,
		CorrelationID: correlationHint + "-" + uuid.NewString(),
	}
}
