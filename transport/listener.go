// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Listener binds the bridge's mutual-TLS endpoint and hands each
// accepted, upgraded connection to Handle.
type Listener struct {
	// Addr is the TCP listen address, e.g. "0.0.0.0:40100". Use ":0"
	// for a random port in tests.
	Addr string

	// TLS is the mutual-TLS server configuration from LoadServerTLS.
	TLS *tls.Config

	// MaxFrameBytes is the encoded envelope ceiling applied to every
	// connection.
	MaxFrameBytes int

	// Handle runs a session on an accepted connection. It is invoked
	// on the connection's own goroutine and owns the Conn until it
	// returns.
	Handle func(Conn)

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	listener net.Listener
	server   *http.Server
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Start binds the listen address and begins accepting in the
// background. It returns once the listener is bound, or an error if
// binding fails. The listener runs until ctx is cancelled or Close is
// called.
func (l *Listener) Start(ctx context.Context) error {
	if l.Handle == nil {
		return fmt.Errorf("transport: Handle is required")
	}
	if l.TLS == nil {
		return fmt.Errorf("transport: TLS configuration is required")
	}

	listener, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", l.Addr, err)
	}
	l.listener = listener

	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		// Peers are headless clients authenticated by their TLS
		// certificates, not browsers; Origin carries no signal.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	l.server = &http.Server{
		TLSConfig:         l.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		// TLS handshake failures (missing or untrusted client certs)
		// are dropped silently; the default http error log would emit
		// one line per probe.
		ErrorLog: log.New(io.Discard, "", 0),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsocket, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				l.logger().Debug("websocket upgrade failed",
					"remote", r.RemoteAddr, "error", err)
				return
			}
			l.logger().Debug("connection accepted", "remote", r.RemoteAddr)
			l.Handle(NewWebSocketConn(wsocket, l.MaxFrameBytes))
		}),
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	go func() {
		err := l.server.ServeTLS(listener, "", "")
		if err != nil && err != http.ErrServerClosed {
			l.logger().Error("listener terminated", "error", err)
		}
	}()

	l.logger().Info("bridge listening", "addr", listener.Addr().String())
	return nil
}

// Address returns the bound address in "host:port" form. Only valid
// after Start succeeds.
func (l *Listener) Address() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Close shuts down the listener. Established sessions are closed by
// the session layer, not here.
func (l *Listener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
