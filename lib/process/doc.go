// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides small helpers for command-line entry
// points: fatal error reporting with a consistent format and exit
// code propagation from wrapped subprocess errors.
package process
