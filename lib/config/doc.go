// Copyright 2026 The Miqbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bridge server.
//
// Configuration is loaded from a single YAML file. The server binary
// takes its path from the --config flag, else the MIQBRIDGE_CONFIG
// environment variable, else the fixed default config/bridge.yaml.
//
// There is no automatic discovery beyond that one default path; this
// keeps deployed configuration deterministic and auditable. A handful of keys accept
// environment-variable overrides (MIQBRIDGE_BIND_ADDR and the TLS
// material paths) so containerized deployments can relocate material
// without editing the file.
//
// All durations are expressed in milliseconds, matching the wire
// protocol's clock fields.
package config
