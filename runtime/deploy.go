// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"
)

// deployPrefix names unpacked deployments under the variable
// directory; tempPrefix names in-progress or abandoned mutable copies.
// Both are recognized by garbage collection.
const (
	deployPrefix = "deploy-"
	tempPrefix   = "tmp-"
)

// identityDomainKey is the BLAKE3 key for deployment identities. A
// fixed constant — changing it renames every existing deployment and
// forces a re-unpack. The bytes are the ASCII domain name zero-padded
// to 32, readable in hex dumps without costing any hash property.
var identityDomainKey = [32]byte{
	'c', 'a', 'i', 's', 's', 'o', 'n', '.', 'd', 'e', 'p', 'l', 'o', 'y', '.',
	'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ArchiveIdentity derives the stable identity of a runtime archive
// from its metadata (absolute path, size, mtime). Hashing metadata
// rather than contents keeps identity derivation O(1) for multi-GB
// archives; a rebuilt archive with the same path gets a new mtime and
// therefore a new identity.
func ArchiveIdentity(archivePath string) (string, error) {
	absolute, err := filepath.Abs(archivePath)
	if err != nil {
		return "", fmt.Errorf("resolving archive path %q: %w", archivePath, err)
	}
	st, err := os.Stat(absolute)
	if err != nil {
		return "", fmt.Errorf("stat archive %q: %w", absolute, err)
	}

	hasher, err := blake3.NewKeyed(identityDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("initializing identity hasher: %w", err)
	}
	hasher.Write([]byte(absolute))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(st.Size(), 10)))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(st.ModTime().UnixNano(), 10)))

	return hex.EncodeToString(hasher.Sum(nil)[:16]), nil
}

// deployArchive unpacks archivePath into <variableDir>/deploy-<id>,
// guarded by an exclusive blocking lock on the variable directory so
// two concurrent launches of the same identity perform exactly one
// extraction. If the deployment directory already exists the unpack
// is skipped. The returned shared lock on the deployment is taken
// while the variable-directory lock is still held, so there is no
// moment where the deployment exists unlocked and a concurrent
// garbage collection could reap it.
func deployArchive(ctx context.Context, variableDir, archivePath, id, archiveTool string, logger *slog.Logger) (string, *Lock, error) {
	if err := os.MkdirAll(variableDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating variable directory %q: %w", variableDir, err)
	}

	lock, err := Acquire(variableDir, LockCreate|LockWait|LockExclusive)
	if err != nil {
		return "", nil, fmt.Errorf("locking variable directory: %w", err)
	}
	defer lock.Release()

	deployDir := filepath.Join(variableDir, deployPrefix+id)
	if _, err := os.Stat(deployDir); err == nil {
		logger.Debug("deployment already unpacked", "dir", deployDir)
		sourceLock, err := Acquire(deployDir, LockCreate|LockWait)
		if err != nil {
			return "", nil, fmt.Errorf("locking deployment: %w", err)
		}
		return deployDir, sourceLock, nil
	}

	logger.Info("unpacking runtime archive", "archive", archivePath, "dir", deployDir)
	if err := os.Mkdir(deployDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating deployment directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, archiveTool, "-C", deployDir, "-xf", archivePath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		// Leave nothing half-unpacked behind: a partial deployment
		// would be indistinguishable from a complete one next run.
		os.RemoveAll(deployDir)
		return "", nil, fmt.Errorf("extracting %q: %w", archivePath, err)
	}
	sourceLock, err := Acquire(deployDir, LockCreate|LockWait)
	if err != nil {
		return "", nil, fmt.Errorf("locking deployment: %w", err)
	}
	return deployDir, sourceLock, nil
}
