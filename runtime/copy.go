// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// copyTree duplicates sourceDir into destDir, preserving directory
// structure and symlinks and hard-linking regular files where the
// filesystem allows it, falling back to byte copies across devices.
// This is the cheap alternative to a full copy for runtimes with many
// small identical files.
func copyTree(sourceDir, destDir string) error {
	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}
		dest := filepath.Join(destDir, relative)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %q: %w", path, err)
			}
			if err := os.Mkdir(dest, info.Mode().Perm()|0o700); err != nil && !os.IsExist(err) {
				return fmt.Errorf("mkdir %q: %w", dest, err)
			}
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dest); err != nil && !os.IsExist(err) {
				return fmt.Errorf("symlink %q: %w", dest, err)
			}
			return nil

		case d.Type().IsRegular():
			if err := os.Link(path, dest); err == nil {
				return nil
			} else if os.IsExist(err) {
				return nil
			}
			return copyFile(path, dest, d)

		default:
			// Sockets, fifos and device nodes do not belong in a
			// runtime image; skip rather than fail the whole copy.
			return nil
		}
	})
}

func copyFile(path, dest string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %q: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %q: %w", dest, err)
	}
	return nil
}

// usrMergedNames are the top-level entries that a merged-/usr layout
// replaces with symlinks into usr/. lib is a prefix match: lib, lib32,
// lib64, libx32 all qualify.
var usrMergedNames = []string{"bin", "etc", "sbin", "var"}

// normalizeUsrShape gives a mutable copy the merged-/usr shape
// regardless of whether its source was merged or a full sysroot: any
// top-level name with a counterpart under usr/ and no real entry of
// its own becomes a symlink into usr/.
func normalizeUsrShape(dir string) error {
	usrEntries, err := os.ReadDir(filepath.Join(dir, "usr"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %q: %w", filepath.Join(dir, "usr"), err)
	}

	for _, entry := range usrEntries {
		name := entry.Name()
		if !isUsrMergedName(name) {
			continue
		}
		top := filepath.Join(dir, name)
		if _, err := os.Lstat(top); err == nil {
			continue // a real (or already-linked) top-level entry wins
		}
		if err := os.Symlink(filepath.Join("usr", name), top); err != nil {
			return fmt.Errorf("normalizing %q: %w", top, err)
		}
	}
	return nil
}

func isUsrMergedName(name string) bool {
	for _, merged := range usrMergedNames {
		if name == merged {
			return true
		}
	}
	return strings.HasPrefix(name, "lib")
}

// createMutableCopy makes a fresh temporary directory under the
// variable directory and a pre-acquired shared lock on it. The lock
// exists before the caller releases its lock on the source, so there
// is never a moment where the runtime is completely unlocked.
func createMutableCopy(variableDir string) (string, *Lock, error) {
	if err := os.MkdirAll(variableDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating variable directory %q: %w", variableDir, err)
	}
	dir, err := os.MkdirTemp(variableDir, tempPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("creating temporary copy directory: %w", err)
	}
	// MkdirTemp uses 0700; the sandbox helper needs to traverse it.
	if err := unix.Chmod(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("chmod %q: %w", dir, err)
	}
	lock, err := Acquire(dir, LockCreate)
	if err != nil {
		return "", nil, fmt.Errorf("pre-locking %q: %w", dir, err)
	}
	return dir, lock, nil
}
