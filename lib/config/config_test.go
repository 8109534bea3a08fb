// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mikqnpi/miqbridge/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
tls:
  ca_path: /etc/miqbridge/ca.pem
  cert_path: /etc/miqbridge/server.pem
  key_path: /etc/miqbridge/server.key
`

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:40100" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Limits.MaxFrameBytes != protocol.DefaultMaxFrameBytes {
		t.Errorf("MaxFrameBytes = %d", cfg.Limits.MaxFrameBytes)
	}
	if cfg.Timeouts.HelloMS != 3000 || cfg.Timeouts.SendTelemetryMS != 200 ||
		cfg.Timeouts.SendActionMS != 500 || cfg.Timeouts.TransportSendMS != 2000 ||
		cfg.Timeouts.ActionDefaultTTLMS != 10000 {
		t.Errorf("timeout defaults wrong: %+v", cfg.Timeouts)
	}
	if cfg.Queues.ActionDepth != 64 {
		t.Errorf("ActionDepth = %d", cfg.Queues.ActionDepth)
	}
	if len(cfg.Server.Capabilities) != len(protocol.AllCapabilities) {
		t.Errorf("Capabilities = %v", cfg.Server.Capabilities)
	}
	if !cfg.Relay.AllowOrchestratorSubscribe || cfg.Relay.MaxOrchestratorSubscribers != 4 {
		t.Errorf("relay defaults wrong: %+v", cfg.Relay)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
bind_addr: 127.0.0.1:48100
timeouts:
  hello_ms: 5000
queues:
  action_depth: 8
server:
  capabilities: [TELEMETRY_V1, HELLO_ACK_V1]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:48100" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Timeouts.HelloMS != 5000 {
		t.Errorf("HelloMS = %d", cfg.Timeouts.HelloMS)
	}
	if cfg.Queues.ActionDepth != 8 {
		t.Errorf("ActionDepth = %d", cfg.Queues.ActionDepth)
	}
	want := []protocol.Capability{protocol.CapTelemetryV1, protocol.CapHelloAckV1}
	if len(cfg.Server.Capabilities) != 2 || cfg.Server.Capabilities[0] != want[0] || cfg.Server.Capabilities[1] != want[1] {
		t.Errorf("Capabilities = %v", cfg.Server.Capabilities)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MIQBRIDGE_BIND_ADDR", "10.0.0.5:40100")
	t.Setenv("MIQBRIDGE_TLS_CA", "/run/secrets/ca.pem")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "10.0.0.5:40100" {
		t.Errorf("BindAddr = %q, env override lost", cfg.BindAddr)
	}
	if cfg.TLS.CAPath != "/run/secrets/ca.pem" {
		t.Errorf("CAPath = %q, env override lost", cfg.TLS.CAPath)
	}
	if cfg.TLS.CertPath != "/etc/miqbridge/server.pem" {
		t.Errorf("CertPath = %q, file value lost", cfg.TLS.CertPath)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.BindAddr = ""
	cfg.Queues.ActionDepth = 0
	cfg.Timeouts.HelloMS = 0
	cfg.Server.Capabilities = []protocol.Capability{"BOGUS_V9"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	message := err.Error()
	for _, want := range []string{"bind_addr", "action_depth", "hello_ms", "BOGUS_V9", "ca_path"} {
		if !strings.Contains(message, want) {
			t.Errorf("validation message missing %q: %s", want, message)
		}
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "bind_addr: [unclosed")); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}
