// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// miqbridge-server is the bridge protocol engine: the
// mutually-authenticated session server between the game client and
// the orchestrator. It terminates TLS connections, executes the
// handshake, relays telemetry (latest-only) and action traffic
// (ordered, correlated, TTL-bounded), and synthesizes the emergency
// stop when an action deadline lapses.
//
// Configuration comes from a single YAML file named by --config or
// the MIQBRIDGE_CONFIG environment variable, defaulting to
// config/bridge.yaml when neither is set.
//
// Exit codes: 0 clean shutdown, 1 bind failure, 2 TLS material load
// failure, 3 configuration error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mikqnpi/miqbridge/bridge"
	"github.com/mikqnpi/miqbridge/lib/config"
	"github.com/mikqnpi/miqbridge/lib/version"
	"github.com/mikqnpi/miqbridge/transport"
)

const defaultConfigPath = "config/bridge.yaml"

// Operational exit codes.
const (
	exitOK         = 0
	exitBind       = 1
	exitTLS        = 2
	exitConfig     = 3
	exitUsageError = 3
)

// exitError carries the operational exit code alongside the message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "miqbridge-server: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
	os.Exit(exitOK)
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("miqbridge-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the bridge YAML config (default: $MIQBRIDGE_CONFIG, then "+defaultConfigPath+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("miqbridge-server")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return &exitError{code: exitUsageError, err: err}
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.PrintDefaults()
		return nil
	}

	logger, err := buildLogger(logLevel)
	if err != nil {
		return &exitError{code: exitUsageError, err: err}
	}
	slog.SetDefault(logger)

	if configPath == "" {
		configPath = os.Getenv("MIQBRIDGE_CONFIG")
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	tlsConfig, err := transport.LoadServerTLS(cfg.TLS.CAPath, cfg.TLS.CertPath, cfg.TLS.KeyPath)
	if err != nil {
		return &exitError{code: exitTLS, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := bridge.New(cfg, bridge.WithLogger(logger), bridge.WithTLS(tlsConfig))
	if err := server.Start(ctx); err != nil {
		return &exitError{code: exitBind, err: err}
	}

	logger.Info("miqbridge-server started",
		"version", version.Info(),
		"bind_addr", cfg.BindAddr,
		"capabilities", cfg.Server.Capabilities)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return server.Close()
}

// buildLogger constructs the process logger writing structured text
// to stderr.
func buildLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler), nil
}
