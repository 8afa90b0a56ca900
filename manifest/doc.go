// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest reads a constrained subset of the BSD mtree(5)
// format and reproduces the directory tree it describes.
//
// A manifest is line-oriented: one entry per line, a relative name
// followed by keyword=value pairs, with octal backslash escapes for
// unusual bytes. Only the subset an archiving tool actually emits for
// a merged-/usr runtime is accepted — absolute paths, line
// continuations, /set state and special files are rejected rather
// than interpreted, so an attacker-influenced manifest cannot inject
// arbitrary filesystem operations.
//
// Applying a manifest prefers hard links from a source tree over byte
// copies, which is why the manifest path exists at all: materializing
// a runtime with hundreds of thousands of small files this way is far
// cheaper than a full recursive copy.
package manifest
