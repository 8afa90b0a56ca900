// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// KeepFileName marks a deployment or temporary copy that garbage
// collection must never remove, regardless of locks.
const KeepFileName = "keep"

// GarbageCollect removes abandoned temporary copies and stale
// deployments under the variable directory. A directory is removed
// only when all of these hold:
//
//   - its name carries a recognized prefix (tmp- or deploy-),
//   - it is not the deployment for activeID,
//   - it contains no keep marker, and
//   - an exclusive lock on its .ref can be acquired immediately.
//
// Failing to acquire the lock means the directory is in use by some
// other process; that is not an error, the directory is simply
// skipped. Because every user of such a directory holds at least a
// shared lock on the same .ref, GC can never race with a directory's
// use.
func GarbageCollect(variableDir, activeID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(variableDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading variable directory %q: %w", variableDir, err)
	}

	activeName := ""
	if activeID != "" {
		activeName = deployPrefix + activeID
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, tempPrefix) && !strings.HasPrefix(name, deployPrefix) {
			continue
		}
		if name == activeName {
			continue
		}

		dir := filepath.Join(variableDir, name)
		if _, err := os.Stat(filepath.Join(dir, KeepFileName)); err == nil {
			logger.Debug("skipping kept directory", "dir", dir)
			continue
		}

		lock, err := Acquire(dir, LockCreate|LockExclusive)
		if errors.Is(err, ErrLocked) {
			logger.Debug("skipping in-use directory", "dir", dir)
			continue
		}
		if err != nil {
			logger.Warn("cannot lock directory for removal", "dir", dir, "error", err)
			continue
		}

		logger.Info("removing abandoned directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("removal failed", "dir", dir, "error", err)
		}
		lock.Release()
	}
	return nil
}
