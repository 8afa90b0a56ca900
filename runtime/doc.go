// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime assembles the sandboxed filesystem view a game runs
// in: a base OS image (unpacked from an archive or used in place),
// optionally duplicated into a private mutable copy, with the host's
// graphics drivers captured into an overlay and the whole arrangement
// expressed as a bind plan for the sandbox-launch helper.
//
// One Runtime value covers one launch attempt. Setup is a single-pass
// state machine — unpack, lock, copy, import drivers, emit plan — and
// any failure along the mandatory path aborts the attempt; no partial
// container is ever handed to the launcher. Temporary copies that a
// failed attempt leaves behind are reclaimed later by GarbageCollect,
// which only ever removes directories it can exclusively lock.
package runtime
