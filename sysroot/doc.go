// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysroot resolves paths below a directory as if that
// directory were the filesystem root, without chrooting and without
// ever following a symlink out of it.
//
// The resolver walks a path one segment at a time, keeping an explicit
// stack of O_PATH descriptors (one per accepted segment). Each segment
// is opened relative to the top of the stack with O_NOFOLLOW, so a
// symlink is never traversed by the kernel; instead its target is read
// from the descriptor itself and spliced back into the walk, with
// absolute targets resetting the stack to the root. A ".." segment
// pops the stack but never below the root, which makes escaping the
// sysroot through any amount of ".." a no-op rather than a traversal.
//
// Every other caisson component that touches a candidate filesystem
// (runtime deployments, graphics providers, the real host root) goes
// through this package.
package sysroot
