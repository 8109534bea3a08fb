// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides miqbridge's standard CBOR encoding configuration.
//
// Everything that crosses the bridge's wire — protocol envelopes and
// their payloads — is CBOR. This package holds the shared encoding and
// decoding modes so that every package encodes identically without
// duplicating configuration. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. Same logical data always produces
// identical bytes, which keeps envelope sizes predictable against the
// frame ceiling.
//
// Wire types carry `cbor` struct tags exclusively: they are never
// marshaled to JSON, and the tag choice documents that contract.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
