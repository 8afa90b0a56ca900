// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// Flags control a resolution.
type Flags uint32

const (
	// MkdirP creates missing directories (mode 0755) along the walk
	// instead of failing with ENOENT.
	MkdirP Flags = 1 << iota

	// KeepFinalSymlink returns a descriptor for the final segment
	// itself even when it is a symlink, instead of following it.
	KeepFinalSymlink

	// RejectSymlinks fails the resolution with ELOOP if any segment
	// is a symlink.
	RejectSymlinks

	// Readable reopens the final descriptor read-only through its
	// /proc/self/fd alias, so the caller gets real I/O capability
	// rather than an attribute-only O_PATH descriptor.
	Readable

	// Directory reopens the final descriptor as a read-only
	// directory descriptor, failing if the target is not one.
	Directory
)

// maxSymlinkSplices bounds how many symlink targets one resolution
// will splice into the walk. The resolver follows a fresh target each
// time rather than keeping a visited set, so a symlink loop would
// otherwise walk forever.
const maxSymlinkSplices = 40

// Resolve walks path below root, never escaping it, and returns a
// handle on the result. Empty and "." segments are ignored; ".."
// segments pop one level and are a no-op at the root. Symlinks are
// followed transparently (their targets resolved below the root, so an
// absolute target restarts at the root rather than the real /) unless
// RejectSymlinks or, for the final segment, KeepFinalSymlink says
// otherwise.
func Resolve(root *Root, path string, flags Flags) (*Handle, error) {
	h, err := resolve(root, path, flags)
	if err != nil {
		return nil, fmt.Errorf("resolving %q under %q: %w", path, root.path, err)
	}
	return h, nil
}

func resolve(root *Root, path string, flags Flags) (*Handle, error) {
	rootDup, err := dupCloexec(root.fd)
	if err != nil {
		return nil, fmt.Errorf("duplicating root descriptor: %w", err)
	}

	// stack[0] is (a duplicate of) the root and is never popped.
	stack := []int{rootDup}
	var canonical []string
	defer func() {
		for _, fd := range stack {
			unix.Close(fd)
		}
	}()

	work := strings.Split(path, "/")
	splices := 0

	for len(work) > 0 {
		segment := work[0]
		work = work[1:]

		if segment == "" || segment == "." {
			continue
		}
		if segment == ".." {
			if len(stack) > 1 {
				unix.Close(stack[len(stack)-1])
				stack = stack[:len(stack)-1]
				canonical = canonical[:len(canonical)-1]
			}
			continue
		}

		final := !hasMoreSegments(work)
		top := stack[len(stack)-1]

		fd, err := unix.Openat(top, segment, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err == unix.ENOENT && flags&MkdirP != 0 {
			if err := unix.Mkdirat(top, segment, 0o755); err != nil && err != unix.EEXIST {
				return nil, fmt.Errorf("mkdir %q: %w", joinCanonical(canonical, segment), err)
			}
			// A concurrent creator may have won the race; the
			// reopen below accepts whatever is there now.
			fd, err = unix.Openat(top, segment, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("opening %q: %w", joinCanonical(canonical, segment), err)
		}

		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("stat %q: %w", joinCanonical(canonical, segment), err)
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			if flags&RejectSymlinks != 0 {
				unix.Close(fd)
				return nil, fmt.Errorf("%q is a symlink: %w", joinCanonical(canonical, segment), unix.ELOOP)
			}
			if final && flags&KeepFinalSymlink != 0 {
				stack = append(stack, fd)
				canonical = append(canonical, segment)
				continue
			}
			if splices >= maxSymlinkSplices {
				unix.Close(fd)
				return nil, fmt.Errorf("following %q: %w", joinCanonical(canonical, segment), unix.ELOOP)
			}
			splices++
			target, err := readlinkFd(fd)
			unix.Close(fd)
			if err != nil {
				return nil, fmt.Errorf("readlink %q: %w", joinCanonical(canonical, segment), err)
			}
			if strings.HasPrefix(target, "/") {
				// Absolute target: restart at the sysroot,
				// not the real filesystem root.
				for len(stack) > 1 {
					unix.Close(stack[len(stack)-1])
					stack = stack[:len(stack)-1]
				}
				canonical = canonical[:0]
			}
			work = append(strings.Split(target, "/"), work...)
			continue
		}

		if !final && st.Mode&unix.S_IFMT != unix.S_IFDIR {
			unix.Close(fd)
			return nil, fmt.Errorf("%q: %w", joinCanonical(canonical, segment), unix.ENOTDIR)
		}

		stack = append(stack, fd)
		canonical = append(canonical, segment)
	}

	resultFd := stack[len(stack)-1]
	canonicalPath := strings.Join(canonical, "/")

	switch {
	case flags&Directory != 0:
		fd, err := unix.Open(procSelfFd(resultFd), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("reopening %q as directory: %w", canonicalPath, err)
		}
		return &Handle{fd: fd, path: canonicalPath}, nil
	case flags&Readable != 0:
		fd, err := unix.Open(procSelfFd(resultFd), unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("reopening %q for reading: %w", canonicalPath, err)
		}
		return &Handle{fd: fd, path: canonicalPath}, nil
	default:
		fd, err := dupCloexec(resultFd)
		if err != nil {
			return nil, fmt.Errorf("duplicating descriptor for %q: %w", canonicalPath, err)
		}
		return &Handle{fd: fd, path: canonicalPath}, nil
	}
}

// hasMoreSegments reports whether any remaining work entry would
// advance or rewind the walk. A trailing run of "" and "." segments
// does not make the current segment non-final; a ".." does.
func hasMoreSegments(work []string) bool {
	for _, segment := range work {
		if segment != "" && segment != "." {
			return true
		}
	}
	return false
}

func joinCanonical(canonical []string, segment string) string {
	if len(canonical) == 0 {
		return segment
	}
	return strings.Join(canonical, "/") + "/" + segment
}

// readlinkFd reads the target of a symlink through its own O_PATH
// descriptor (readlinkat with an empty path), so the answer is about
// the descriptor's inode, not about whatever the path points at now.
func readlinkFd(fd int) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(fd, "", buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// ReadFile resolves path below root and returns its contents. The
// read happens through the resolved descriptor, so a hostile rename
// between resolution and read cannot redirect it outside the root.
func ReadFile(root *Root, path string) ([]byte, error) {
	h, err := Resolve(root, path, Readable)
	if err != nil {
		return nil, err
	}
	f := h.IntoFile()
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %q under %q: %w", path, root.path, err)
	}
	return data, nil
}
