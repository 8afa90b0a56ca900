// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Caisson tools.
//
// Configuration is loaded from a single YAML file specified by:
//   - the CAISSON_CONFIG environment variable, or
//   - a --config flag passed to the command.
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// Environment variables never override file values; ${VAR} expansion
// inside path values is the only place the environment is consulted.
package config
