// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/mikqnpi/miqbridge/lib/codec"
)

// DefaultMaxFrameBytes is the default encoded envelope ceiling (1 MiB).
const DefaultMaxFrameBytes = 1 << 20

// Sentinel codec errors. Callers branch on these to pick the ErrorFrame
// code and decide whether the session survives.
var (
	// ErrFrameTooLarge: the encoded envelope exceeds the configured
	// frame ceiling.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size ceiling")

	// ErrNoPayload: the envelope decoded cleanly but carries no known
	// payload variant — a newer peer's variant this build does not
	// understand.
	ErrNoPayload = errors.New("protocol: envelope carries no known payload")

	// ErrMultiplePayloads: more than one payload variant is set.
	ErrMultiplePayloads = errors.New("protocol: envelope carries multiple payloads")
)

// Encode serializes an envelope to its wire bytes, enforcing the
// exactly-one-payload rule and the frame ceiling. A maxFrameBytes of
// zero applies DefaultMaxFrameBytes.
func Encode(env *Envelope, maxFrameBytes int) ([]byte, error) {
	switch n := env.payloadCount(); {
	case n == 0:
		return nil, ErrNoPayload
	case n > 1:
		return nil, fmt.Errorf("%w: %d set", ErrMultiplePayloads, n)
	}

	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if len(data) > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), maxFrameBytes)
	}
	return data, nil
}

// Decode parses wire bytes into an envelope, enforcing the frame
// ceiling before any allocation-heavy decoding and the
// exactly-one-payload rule after.
//
// ErrNoPayload is returned alongside the decoded envelope so the
// caller can still answer the sender (UNSUPPORTED_PAYLOAD downgrades;
// it does not close the session).
func Decode(data []byte, maxFrameBytes int) (*Envelope, error) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if len(data) > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), maxFrameBytes)
	}

	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch n := env.payloadCount(); {
	case n == 0:
		return &env, ErrNoPayload
	case n > 1:
		return nil, fmt.Errorf("%w: %d set", ErrMultiplePayloads, n)
	}
	return &env, nil
}
