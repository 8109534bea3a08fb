// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the miqbridge wire protocol: the versioned
// envelope, its payload variants, and the binary codec.
//
// Every message on the wire is one [Envelope] carrying exactly one
// payload variant, encoded as a single deterministic CBOR item and sent
// as one binary WebSocket message. The protocol version is pinned at
// [Version]; there is no negotiation beyond the capability intersection
// confirmed in [HelloAck].
//
// The package is pure data and codec — it holds no connection or
// session state, so both the server and test peers use it unchanged.
package protocol
