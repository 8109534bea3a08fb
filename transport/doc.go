// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport terminates peer connections for the bridge: a
// mutual-TLS listener that upgrades accepted streams to WebSocket, and
// the [Conn] abstraction that the session layer reads and writes
// envelopes through.
//
// Connections that fail TLS client authentication are dropped at the
// transport layer without a protocol-level response. Accepted
// connections carry binary WebSocket messages only; each message is
// one encoded envelope.
//
// [Conn] is an interface so the session layer is exercised in tests
// with in-memory connection pairs instead of sockets.
package transport
