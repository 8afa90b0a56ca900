// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestCopyTreeHardLinks(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, filepath.Join(source, "usr", "bin"))
	if err := os.WriteFile(filepath.Join(source, "usr", "bin", "env"), []byte("#!"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("bin/env", filepath.Join(source, "usr", "env")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	dest := t.TempDir()
	if err := copyTree(source, dest); err != nil {
		t.Fatalf("copyTree: %v", err)
	}

	var sourceStat, destStat syscall.Stat_t
	if err := syscall.Stat(filepath.Join(source, "usr", "bin", "env"), &sourceStat); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := syscall.Stat(filepath.Join(dest, "usr", "bin", "env"), &destStat); err != nil {
		t.Fatalf("stat copy: %v", err)
	}
	if sourceStat.Dev == destStat.Dev && sourceStat.Ino != destStat.Ino {
		t.Errorf("same filesystem but file was not hard-linked")
	}

	target, err := os.Readlink(filepath.Join(dest, "usr", "env"))
	if err != nil || target != "bin/env" {
		t.Errorf("symlink copy = %q, %v", target, err)
	}
}

func TestNormalizeUsrShape(t *testing.T) {
	dir := t.TempDir()
	mkdirAll(t, filepath.Join(dir, "usr", "bin"))
	mkdirAll(t, filepath.Join(dir, "usr", "lib"))
	mkdirAll(t, filepath.Join(dir, "usr", "lib64"))
	mkdirAll(t, filepath.Join(dir, "usr", "share"))
	// An existing top-level entry must be left alone.
	mkdirAll(t, filepath.Join(dir, "lib"))

	if err := normalizeUsrShape(dir); err != nil {
		t.Fatalf("normalizeUsrShape: %v", err)
	}

	for _, name := range []string{"bin", "lib64"} {
		target, err := os.Readlink(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if target != filepath.Join("usr", name) {
			t.Errorf("%s -> %q, want usr/%s", name, target, name)
		}
	}

	if st, err := os.Lstat(filepath.Join(dir, "lib")); err != nil || !st.IsDir() {
		t.Errorf("existing top-level lib was replaced")
	}
	if _, err := os.Lstat(filepath.Join(dir, "share")); !os.IsNotExist(err) {
		t.Errorf("share should not be normalized to a top-level symlink")
	}
}

func TestCreateMutableCopyPreLocked(t *testing.T) {
	variableDir := t.TempDir()
	dir, lock, err := createMutableCopy(variableDir)
	if err != nil {
		t.Fatalf("createMutableCopy: %v", err)
	}
	defer lock.Release()

	if filepath.Dir(dir) != variableDir {
		t.Errorf("copy created outside the variable directory: %q", dir)
	}
	// The pre-acquired shared lock must already defeat GC-style
	// exclusive acquisition.
	if _, err := Acquire(dir, LockExclusive); err == nil {
		t.Errorf("copy is not pre-locked")
	}
}
