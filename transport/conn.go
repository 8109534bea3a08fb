// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikqnpi/miqbridge/protocol"
)

// ErrWriteTimeout reports that the peer's transport would not accept a
// write within the given timeout. The session layer treats this as a
// stalled transport.
var ErrWriteTimeout = errors.New("transport: write timeout")

// DecodeError wraps a recoverable frame decoding failure. The
// connection itself is healthy; the session answers with a
// CODEC_ERROR frame and keeps reading.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "transport: decode frame: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Conn is a single peer connection carrying binary envelope frames.
//
// ReadEnvelope blocks for the next envelope. A returned *DecodeError
// means the frame was bad but the connection survives; any other error
// is terminal. An envelope whose Kind() is KindNone decoded cleanly
// but carries an unknown payload variant.
//
// WriteEnvelope encodes and sends one envelope, waiting at most
// timeout for the transport to accept it; ErrWriteTimeout reports a
// stalled peer.
type Conn interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(env *protocol.Envelope, timeout time.Duration) error
	Close() error
	RemoteAddr() string
}

// wsConn adapts a WebSocket connection to Conn.
type wsConn struct {
	conn          *websocket.Conn
	maxFrameBytes int
}

// NewWebSocketConn wraps an upgraded WebSocket connection. The read
// limit is the frame ceiling plus slack for WebSocket overhead, so the
// codec — not the socket — is what rejects an oversized envelope.
func NewWebSocketConn(conn *websocket.Conn, maxFrameBytes int) Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	conn.SetReadLimit(int64(maxFrameBytes) + 1024)
	return &wsConn{conn: conn, maxFrameBytes: maxFrameBytes}
}

func (c *wsConn) ReadEnvelope() (*protocol.Envelope, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		// Control frames are handled by gorilla; ignore any stray text
		// messages rather than tearing the session down.
		if messageType != websocket.BinaryMessage {
			continue
		}

		env, err := protocol.Decode(data, c.maxFrameBytes)
		switch {
		case err == nil:
			return env, nil
		case errors.Is(err, protocol.ErrNoPayload):
			// Unknown variant: headers decoded, payload unknown. The
			// session downgrades this to UNSUPPORTED_PAYLOAD.
			return env, nil
		default:
			return nil, &DecodeError{Err: err}
		}
	}
}

func (c *wsConn) WriteEnvelope(env *protocol.Envelope, timeout time.Duration) error {
	data, err := protocol.Encode(env, c.maxFrameBytes)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w after %v", ErrWriteTimeout, timeout)
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error { return c.conn.Close() }

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
