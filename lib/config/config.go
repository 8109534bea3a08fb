// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mikqnpi/miqbridge/protocol"
)

// Config is the bridge server configuration.
type Config struct {
	// BindAddr is the TLS listen address.
	BindAddr string `yaml:"bind_addr" env:"MIQBRIDGE_BIND_ADDR"`

	TLS      TLSConfig      `yaml:"tls"`
	Limits   LimitsConfig   `yaml:"limits"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Queues   QueuesConfig   `yaml:"queues"`
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
}

// TLSConfig locates the PEM material for mutual TLS. All three paths
// are required; rotation requires a restart.
type TLSConfig struct {
	CAPath   string `yaml:"ca_path" env:"MIQBRIDGE_TLS_CA"`
	CertPath string `yaml:"cert_path" env:"MIQBRIDGE_TLS_CERT"`
	KeyPath  string `yaml:"key_path" env:"MIQBRIDGE_TLS_KEY"`
}

// LimitsConfig bounds resource use per connection.
type LimitsConfig struct {
	// MaxFrameBytes is the encoded envelope ceiling.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// TimeoutsConfig holds every protocol deadline, in milliseconds.
type TimeoutsConfig struct {
	HelloMS           uint64 `yaml:"hello_ms"`
	SendTelemetryMS   uint64 `yaml:"send_telemetry_ms"`
	SendActionMS      uint64 `yaml:"send_action_ms"`
	TransportSendMS   uint64 `yaml:"transport_send_ms"`
	ActionDefaultTTLMS uint64 `yaml:"action_default_ttl_ms"`
}

// QueuesConfig sizes the bounded per-session queues.
type QueuesConfig struct {
	ActionDepth int `yaml:"action_depth"`
}

// ServerConfig declares what this deployment negotiates.
type ServerConfig struct {
	// Capabilities is the server's advertised set. HelloAck confirms
	// the intersection with each client's set.
	Capabilities []protocol.Capability `yaml:"capabilities"`
}

// RelayConfig is the orchestrator admission and telemetry pacing
// policy.
type RelayConfig struct {
	// AllowOrchestratorSubscribe gates orchestrator sessions entirely.
	AllowOrchestratorSubscribe bool `yaml:"allow_orchestrator_subscribe"`

	// MaxOrchestratorSubscribers caps concurrent orchestrator
	// sessions. Zero means unlimited.
	MaxOrchestratorSubscribers int `yaml:"max_orchestrator_subscribers"`

	// MinRelayIntervalMS drops telemetry samples arriving faster than
	// this interval before they reach the per-orchestrator slots.
	// Zero disables pacing.
	MinRelayIntervalMS uint64 `yaml:"min_relay_interval_ms"`
}

// Default returns the configuration with every documented default
// applied and all capabilities enabled.
func Default() *Config {
	return &Config{
		BindAddr: "0.0.0.0:40100",
		Limits:   LimitsConfig{MaxFrameBytes: protocol.DefaultMaxFrameBytes},
		Timeouts: TimeoutsConfig{
			HelloMS:            3000,
			SendTelemetryMS:    200,
			SendActionMS:       500,
			TransportSendMS:    2000,
			ActionDefaultTTLMS: 10000,
		},
		Queues: QueuesConfig{ActionDepth: 64},
		Server: ServerConfig{Capabilities: append([]protocol.Capability(nil), protocol.AllCapabilities...)},
		Relay: RelayConfig{
			AllowOrchestratorSubscribe: true,
			MaxOrchestratorSubscribers: 4,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field, reporting all problems at once.
func (c *Config) Validate() error {
	var problems []error
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.BindAddr == "" {
		report("bind_addr must not be empty")
	}
	if c.TLS.CAPath == "" {
		report("tls.ca_path is required")
	}
	if c.TLS.CertPath == "" {
		report("tls.cert_path is required")
	}
	if c.TLS.KeyPath == "" {
		report("tls.key_path is required")
	}
	if c.Limits.MaxFrameBytes < 1024 {
		report("limits.max_frame_bytes %d is below the 1024-byte floor", c.Limits.MaxFrameBytes)
	}
	if c.Timeouts.HelloMS == 0 {
		report("timeouts.hello_ms must be > 0")
	}
	if c.Timeouts.SendTelemetryMS == 0 {
		report("timeouts.send_telemetry_ms must be > 0")
	}
	if c.Timeouts.SendActionMS == 0 {
		report("timeouts.send_action_ms must be > 0")
	}
	if c.Timeouts.TransportSendMS == 0 {
		report("timeouts.transport_send_ms must be > 0")
	}
	if c.Timeouts.ActionDefaultTTLMS == 0 {
		report("timeouts.action_default_ttl_ms must be > 0")
	}
	if c.Queues.ActionDepth <= 0 {
		report("queues.action_depth must be > 0")
	}
	if len(c.Server.Capabilities) == 0 {
		report("server.capabilities must not be empty")
	}
	for _, capability := range c.Server.Capabilities {
		if !protocol.HasCapability(protocol.AllCapabilities, capability) {
			report("server.capabilities: unknown capability %q", capability)
		}
	}
	if c.Relay.MaxOrchestratorSubscribers < 0 {
		report("relay.max_orchestrator_subscribers must be >= 0")
	}

	return errors.Join(problems...)
}

// Duration helpers: the config stores milliseconds (wire convention);
// runtime code wants time.Duration.

func (t TimeoutsConfig) Hello() time.Duration          { return time.Duration(t.HelloMS) * time.Millisecond }
func (t TimeoutsConfig) SendTelemetry() time.Duration  { return time.Duration(t.SendTelemetryMS) * time.Millisecond }
func (t TimeoutsConfig) SendAction() time.Duration     { return time.Duration(t.SendActionMS) * time.Millisecond }
func (t TimeoutsConfig) TransportSend() time.Duration  { return time.Duration(t.TransportSendMS) * time.Millisecond }
func (t TimeoutsConfig) ActionDefaultTTL() time.Duration {
	return time.Duration(t.ActionDefaultTTLMS) * time.Millisecond
}
