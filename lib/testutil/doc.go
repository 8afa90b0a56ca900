// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Caisson packages.
//
// [RequireClosed] encapsulates the timeout safety valve pattern
// (select with a time.After fallback) so individual tests do not need
// direct time.After calls.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// names, for example deployment identities that must stay
// distinguishable across parallel runs.
package testutil
