// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package graphics imports the host's graphics driver stack into a
// runtime container: it enumerates EGL, Vulkan, VDPAU, DRI and VA-API
// modules from one or more provider filesystems, captures the
// libraries they need into an overlay directory, rewrites driver
// descriptions to point at in-container paths, and computes the
// loader search-path environment the sandboxed process needs.
//
// Enumeration is read-only and can run ahead of time on background
// workers, one per (architecture, provider) pair; the orchestrator
// cancels and joins each worker before consuming its cache, so the
// cache needs no locking. Everything that mutates the overlay happens
// on the calling goroutine.
package graphics
