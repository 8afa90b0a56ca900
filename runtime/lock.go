// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is the conventional name of the advisory lock file
// inside any directory that participates in the unpack/copy/GC
// protocol. The file's presence carries no meaning by itself; only
// the lock state on it does.
const LockFileName = ".ref"

// ErrLocked is returned by a non-blocking acquisition when another
// open file description already holds a conflicting lock.
var ErrLocked = errors.New("already locked")

// LockFlags control how a Lock is acquired.
type LockFlags uint32

const (
	// LockCreate creates the lock file if it does not exist.
	LockCreate LockFlags = 1 << iota

	// LockWait blocks until the lock can be acquired instead of
	// failing with ErrLocked.
	LockWait

	// LockExclusive acquires a write lock. Exclusive locks are
	// required for destructive operations; shared locks merely
	// prevent concurrent destruction.
	LockExclusive
)

// Lock is an advisory lock on a directory's .ref file, held via an
// open-file-description (OFD) lock. OFD locks conflict between open
// file descriptions rather than processes, so two Lock values in the
// same process still exclude each other, and the lock survives until
// Release regardless of what other descriptors the process opens or
// closes for the same file.
type Lock struct {
	file *os.File
	path string
}

// Acquire locks the .ref file inside dir.
func Acquire(dir string, flags LockFlags) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)

	openFlags := os.O_RDWR
	if flags&LockCreate != 0 {
		openFlags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, openFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %q: %w", path, err)
	}

	lock := unix.Flock_t{Whence: 0}
	if flags&LockExclusive != 0 {
		lock.Type = unix.F_WRLCK
	} else {
		lock.Type = unix.F_RDLCK
	}
	cmd := unix.F_OFD_SETLK
	if flags&LockWait != 0 {
		cmd = unix.F_OFD_SETLKW
	}
	if err := unix.FcntlFlock(file.Fd(), cmd, &lock); err != nil {
		file.Close()
		if err == unix.EAGAIN || err == unix.EACCES || err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("locking %q: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and closes the file. Safe to call more than
// once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	return file.Close()
}
