// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Root is an open directory descriptor standing in for "the filesystem
// root we must not escape". It is owned by whoever opened it and must
// stay open for as long as any resolution relative to it is in flight.
type Root struct {
	fd   int
	path string
}

// Open opens path as a sysroot. The descriptor is opened O_PATH, so it
// grants no I/O capability by itself; it only anchors resolution.
func Open(path string) (*Root, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening sysroot %q: %w", path, err)
	}
	return &Root{fd: fd, path: path}, nil
}

// FromFd wraps an already-open directory descriptor as a Root. The
// caller keeps ownership of the descriptor; Close on the returned Root
// does not close it. label is used in error messages only.
func FromFd(fd int, label string) *Root {
	return &Root{fd: fd, path: label}
}

// Fd returns the underlying directory descriptor.
func (r *Root) Fd() int { return r.fd }

// Path returns the path the root was opened from. This is a label for
// error messages, not a resolution input: the root may have been
// renamed or unlinked since it was opened.
func (r *Root) Path() string { return r.path }

// Close releases the descriptor. Safe to call more than once.
func (r *Root) Close() error {
	if r.fd < 0 {
		return nil
	}
	fd := r.fd
	r.fd = -1
	return unix.Close(fd)
}

// Handle is the result of a resolution: an open descriptor plus the
// canonical path (relative to the root, no leading slash, "" for the
// root itself) accumulated during the walk. The descriptor's target is
// always strictly inside the root's subtree.
type Handle struct {
	fd   int
	path string
}

// Fd returns the descriptor. Unless the resolution asked for a
// readable or directory descriptor, this is an O_PATH descriptor:
// good for *at() calls and /proc/self/fd tricks, not for read/write.
func (h *Handle) Fd() int { return h.fd }

// Path returns the canonical path relative to the root.
func (h *Handle) Path() string { return h.path }

// Close releases the descriptor. Safe to call more than once.
func (h *Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	return unix.Close(fd)
}

// IntoFile converts the handle into an *os.File, transferring
// ownership of the descriptor. The handle must have been resolved with
// Readable or Directory; an O_PATH descriptor inside an os.File would
// fail on first read.
func (h *Handle) IntoFile() *os.File {
	fd := h.fd
	h.fd = -1
	return os.NewFile(uintptr(fd), h.path)
}

// procSelfFd returns the magic-link alias for an open descriptor.
// Opening it is how an O_PATH descriptor is upgraded to one with real
// I/O capability without re-walking the path.
func procSelfFd(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

// dupCloexec duplicates a descriptor with CLOEXEC set.
func dupCloexec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
