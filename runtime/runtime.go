// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/caisson-foundation/caisson/graphics"
	"github.com/caisson-foundation/caisson/manifest"
	"github.com/caisson-foundation/caisson/sysroot"
)

// providerMount is where the first graphics provider's filesystem is
// exposed inside the container; further providers get a numeric
// suffix.
const providerMount = "/run/gfx"

// ldsoDir is the in-container directory the regenerated dynamic
// linker cache lives in. /etc/ld.so.cache becomes a symlink into it
// so the read-only runtime image never needs modification.
const ldsoDir = "/run/caisson/ldso"

// knowledgeFile is where a runtime image may describe its public
// library ABI for the capture helper. Its format belongs to the
// helper; caisson only forwards the path when the file exists.
const knowledgeFile = "usr/lib/steamrt/libraries.txt"

// Config describes one runtime launch attempt.
type Config struct {
	// Source is the runtime to assemble: a runtime archive (regular
	// file), an unpacked deployment directory, or a plain sysroot.
	Source string

	// ID overrides the identity derived from the archive metadata.
	// Ignored when Source is a directory.
	ID string

	// VariableDir holds unpacked deployments and mutable copies.
	VariableDir string

	// Mutable forces a private writable copy of the runtime even for
	// flavors that could be used in place. Manifest-flavored runtimes
	// always get one.
	Mutable bool

	// ProviderPaths are the filesystems graphics drivers are imported
	// from, highest priority first. Empty means the real root.
	ProviderPaths []string

	// RealRoot is the host's real root filesystem as this process
	// sees it, normally "/". Configurable so a path-rewriting
	// emulation layer can be bypassed explicitly.
	RealRoot string

	// CaptureHelper is the caisson-capture-libs binary; ArchiveTool
	// is the tar binary used for unpacking (default "tar").
	CaptureHelper string
	ArchiveTool   string

	// SingleThread disables the background enumeration workers.
	SingleThread bool

	Logger *slog.Logger
}

// Runtime is one launch attempt's assembly state. Create with New,
// drive with Setup, release with Close after the sandboxed process
// has exited.
type Runtime struct {
	config Config
	logger *slog.Logger

	id         string
	deployDir  string
	flavor     Flavor
	runtimeDir string // the tree actually exposed, mutable copy included
	mutableDir string // non-empty when a private copy was made
	overlayDir string
	privateTmp string // overlay location when there is no mutable copy

	sourceLock *Lock
	copyLock   *Lock

	runtimeRoot *sysroot.Root
	providers   []*graphics.Provider

	release OSRelease
}

// New validates the configuration. No filesystem work happens until
// Setup.
func New(config Config) (*Runtime, error) {
	if config.Source == "" {
		return nil, fmt.Errorf("no runtime source configured")
	}
	if config.VariableDir == "" {
		return nil, fmt.Errorf("no variable directory configured")
	}
	if config.CaptureHelper == "" {
		return nil, fmt.Errorf("no capture helper configured")
	}
	if config.RealRoot == "" {
		config.RealRoot = "/"
	}
	if config.ArchiveTool == "" {
		config.ArchiveTool = "tar"
	}
	if len(config.ProviderPaths) == 0 {
		config.ProviderPaths = []string{config.RealRoot}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{config: config, logger: logger}, nil
}

// Setup assembles the container filesystem and returns the bind plan
// for the sandbox-launch helper. It is single-use: a Runtime whose
// Setup failed must be Closed and discarded, never retried.
func (r *Runtime) Setup(ctx context.Context) (*BindPlan, error) {
	if err := r.deploy(ctx); err != nil {
		return nil, err
	}

	// The source is locked before anything else runs; from here on no
	// concurrent launch's garbage collection can touch it.
	var err error
	if r.sourceLock == nil {
		r.sourceLock, err = Acquire(r.deployDir, LockCreate|LockWait)
		if err != nil {
			return nil, fmt.Errorf("locking runtime source: %w", err)
		}
	}

	if err := GarbageCollect(r.config.VariableDir, r.id, r.logger); err != nil {
		// Reclamation is opportunistic; a launch must not fail
		// because old directories could not be removed.
		r.logger.Warn("garbage collection failed", "error", err)
	}

	r.flavor, err = probeFlavor(r.deployDir)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("runtime flavor", "flavor", r.flavor.String(), "dir", r.deployDir)

	if err := r.openProviders(); err != nil {
		return nil, err
	}
	arches := graphics.Multiarch()
	enum := graphics.StartEnumeration(ctx, r.providers, arches, r.config.SingleThread, r.logger)

	if err := r.materialize(ctx); err != nil {
		enum.Abandon()
		return nil, err
	}

	r.runtimeRoot, err = sysroot.Open(r.runtimeDir)
	if err != nil {
		enum.Abandon()
		return nil, fmt.Errorf("opening runtime root: %w", err)
	}
	r.release, _ = readOSRelease(r.runtimeRoot)
	legacy := r.release.LegacyGeneration()
	if legacy != 0 {
		r.logger.Info("legacy runtime generation", "generation", legacy)
	}

	if err := r.prepareOverlayDir(); err != nil {
		enum.Abandon()
		return nil, err
	}

	knowledge := ""
	candidate := filepath.Join(r.runtimeDir, filepath.FromSlash(knowledgeFile))
	if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
		r.logger.Debug("runtime provides library knowledge", "file", candidate)
		knowledge = candidate
	}

	result, err := graphics.ImportDrivers(ctx, graphics.Options{
		Providers:           r.providers,
		Architectures:       arches,
		RuntimeRoot:         r.runtimeRoot,
		MutableRuntimeDir:   r.mutableDir,
		OverlayDir:          r.overlayDir,
		ContainerOverlayDir: "/overrides",
		CaptureHelper:       r.config.CaptureHelper,
		LibraryKnowledge:    knowledge,
		SingleThread:        r.config.SingleThread,
		LegacyRuntime:       legacy != 0,
		Enumerator:          enum,
		Logger:              r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("importing graphics drivers: %w", err)
	}

	return r.emitPlan(result, arches)
}

// deploy resolves Source into an unpacked deployment directory and
// the active identity, extracting archives on first use. For archive
// sources the deployment comes back already holding its shared lock.
func (r *Runtime) deploy(ctx context.Context) error {
	st, err := os.Stat(r.config.Source)
	if err != nil {
		return fmt.Errorf("stat runtime source %q: %w", r.config.Source, err)
	}
	if st.IsDir() {
		r.deployDir = r.config.Source
		r.id = r.config.ID
		return nil
	}

	id := r.config.ID
	if id == "" {
		if id, err = ArchiveIdentity(r.config.Source); err != nil {
			return err
		}
	}
	dir, lock, err := deployArchive(ctx, r.config.VariableDir, r.config.Source, id,
		r.config.ArchiveTool, r.logger)
	if err != nil {
		return err
	}
	r.id, r.deployDir, r.sourceLock = id, dir, lock
	return nil
}

// openProviders opens the graphics provider roots and assigns their
// in-container mount points.
func (r *Runtime) openProviders() error {
	for i, p := range r.config.ProviderPaths {
		root, err := sysroot.Open(p)
		if err != nil {
			return fmt.Errorf("opening graphics provider %q: %w", p, err)
		}
		mount := providerMount
		if i > 0 {
			mount = fmt.Sprintf("%s%d", providerMount, i)
		}
		r.providers = append(r.providers, &graphics.Provider{
			Name:            p,
			Root:            root,
			PathInContainer: mount,
		})
	}
	return nil
}

// materialize produces the tree to expose: the deployment itself, its
// files/ subtree, or a private mutable copy, depending on flavor and
// configuration. When a copy is made, its lock exists before the
// source lock is released, so the source can never be collected in
// between.
func (r *Runtime) materialize(ctx context.Context) error {
	sourceDir := r.deployDir
	if r.flavor == FlavorFlatpak {
		sourceDir = filepath.Join(r.deployDir, "files")
	}

	if r.flavor != FlavorManifest && !r.config.Mutable {
		r.runtimeDir = sourceDir
		return nil
	}

	copyDir, copyLock, err := createMutableCopy(r.config.VariableDir)
	if err != nil {
		return err
	}
	r.mutableDir, r.copyLock = copyDir, copyLock
	r.logger.Info("creating mutable runtime copy", "source", sourceDir, "copy", copyDir)

	if r.flavor == FlavorManifest {
		targetRoot, err := sysroot.Open(copyDir)
		if err != nil {
			return fmt.Errorf("opening mutable copy: %w", err)
		}
		defer targetRoot.Close()
		filesRoot, err := sysroot.Open(filepath.Join(r.deployDir, "files"))
		if err != nil {
			return fmt.Errorf("opening runtime content store: %w", err)
		}
		defer filesRoot.Close()
		err = manifest.Apply(filepath.Join(r.deployDir, ManifestFileName), targetRoot,
			manifest.ApplyOptions{Source: filesRoot, Logger: r.logger})
		if err != nil {
			return fmt.Errorf("materializing runtime from manifest: %w", err)
		}
	} else {
		if err := copyTree(sourceDir, copyDir); err != nil {
			return fmt.Errorf("copying runtime: %w", err)
		}
	}
	if err := normalizeUsrShape(copyDir); err != nil {
		return err
	}

	// Handoff: the copy is locked, the source is no longer needed.
	r.sourceLock.Release()
	r.sourceLock = nil
	r.runtimeDir = copyDir
	return nil
}

// prepareOverlayDir decides where the driver overlay is assembled:
// inside the mutable copy when there is one, otherwise in a private
// temporary directory removed at Close.
func (r *Runtime) prepareOverlayDir() error {
	if r.mutableDir != "" {
		r.overlayDir = filepath.Join(r.mutableDir, "overrides")
	} else {
		dir, err := os.MkdirTemp("", "caisson-overrides-")
		if err != nil {
			return fmt.Errorf("creating overlay directory: %w", err)
		}
		r.privateTmp = dir
		r.overlayDir = dir
	}
	return os.MkdirAll(r.overlayDir, 0o755)
}

// emitPlan renders the assembled container as launcher directives.
func (r *Runtime) emitPlan(result *graphics.Result, arches []graphics.Architecture) (*BindPlan, error) {
	plan := NewBindPlan()

	usrDir := r.runtimeDir
	hasUsr := false
	if st, err := os.Stat(filepath.Join(r.runtimeDir, "usr")); err == nil && st.IsDir() {
		usrDir = filepath.Join(r.runtimeDir, "usr")
		hasUsr = true
	}
	if r.mutableDir != "" {
		plan.Bind(usrDir, "/usr")
	} else {
		plan.RoBind(usrDir, "/usr")
	}

	// Merged-/usr shape at the container root. The runtime's own
	// top-level symlinks win so distribution quirks carry over.
	for _, name := range []string{"bin", "sbin", "lib", "lib32", "lib64", "libx32"} {
		target := path.Join("usr", name)
		if hasUsr {
			if t, err := os.Readlink(filepath.Join(r.runtimeDir, name)); err == nil {
				target = t
			} else if _, err := os.Stat(filepath.Join(usrDir, name)); err != nil {
				continue
			}
		} else if _, err := os.Stat(filepath.Join(usrDir, name)); err != nil {
			continue
		}
		plan.Symlink(target, "/"+name)
	}

	plan.Dir("/etc")
	if hasUsr {
		plan.OptionalRoBind(filepath.Join(r.runtimeDir, "etc"), "/etc")
	}

	plan.RoBind(r.overlayDir, "/overrides")
	plan.Symlink("/overrides", "/run/caisson/overrides")

	// The dynamic linker cache is regenerated inside the container at
	// startup; pointing /etc at it keeps the runtime image pristine.
	plan.Dir(ldsoDir)
	plan.Symlink(path.Join(ldsoDir, "ld.so.cache"), "/etc/ld.so.cache")
	plan.Symlink(path.Join(ldsoDir, "ld.so.conf"), "/etc/ld.so.conf")

	// Host identity and name resolution, nothing more of /etc.
	for _, name := range []string{"hosts", "resolv.conf", "passwd", "group", "machine-id"} {
		plan.OptionalRoBind(filepath.Join(r.config.RealRoot, "etc", name), "/etc/"+name)
	}

	for _, provider := range r.providers {
		plan.RoBind(provider.Root.Path(), provider.PathInContainer)
	}

	// A provider glibc needs its own dynamic linker at the canonical
	// interpreter path, or every captured binary would still start
	// under the runtime's older one.
	for _, arch := range arches {
		imported, ok := result.LibcFromProvider[arch.Tuple]
		if !ok {
			continue
		}
		plan.RoBind(filepath.Join(imported.Provider.Root.Path(), filepath.FromSlash(imported.LdSo)), arch.LdSo)
	}

	for _, v := range result.Env {
		if v.Unset {
			plan.UnsetEnv(v.Name)
		} else {
			plan.SetEnv(v.Name, v.Value)
		}
	}
	return plan, nil
}

// Close releases locks and descriptors and removes the private
// overlay directory if one was made. The mutable copy itself is left
// for garbage collection once its lock is gone.
func (r *Runtime) Close() error {
	if r.copyLock != nil {
		r.copyLock.Release()
		r.copyLock = nil
	}
	if r.sourceLock != nil {
		r.sourceLock.Release()
		r.sourceLock = nil
	}
	if r.runtimeRoot != nil {
		r.runtimeRoot.Close()
		r.runtimeRoot = nil
	}
	for _, provider := range r.providers {
		provider.Root.Close()
	}
	r.providers = nil
	if r.privateTmp != "" {
		os.RemoveAll(r.privateTmp)
		r.privateTmp = ""
	}
	return nil
}
