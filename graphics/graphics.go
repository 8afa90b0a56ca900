// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// Options configures a driver import.
type Options struct {
	// Providers supply the graphics stacks, highest priority first.
	Providers []*Provider

	// Architectures to import for. Defaults to Multiarch().
	Architectures []Architecture

	// RuntimeRoot is the container runtime's filesystem, used to
	// compare its glibc against the providers'.
	RuntimeRoot *sysroot.Root

	// MutableRuntimeDir, when non-empty, is a writable copy of the
	// runtime from which overlay-shadowed libraries are pruned.
	MutableRuntimeDir string

	// OverlayDir is the host directory the overlay is assembled in;
	// ContainerOverlayDir is where it will be mounted (default
	// "/overrides").
	OverlayDir          string
	ContainerOverlayDir string

	// CaptureHelper is the path of the caisson-capture-libs binary.
	CaptureHelper string

	// LibraryKnowledge is an optional host path to the runtime's
	// library ABI description, forwarded to the capture helper. The
	// helper owns its format; here it is only probed and passed on.
	LibraryKnowledge string

	// SingleThread disables the per-(provider, architecture)
	// enumeration workers.
	SingleThread bool

	// Enumerator, when set, is a scan started earlier (typically
	// overlapping runtime assembly) whose results are consumed
	// instead of starting a fresh one. It must have been started for
	// the same providers and architectures.
	Enumerator *Enumerator

	// LegacyRuntime marks the two early runtime generations, which
	// need a compatibility quirk for NVIDIA VDPAU.
	LegacyRuntime bool

	Logger *slog.Logger
}

// LibcImport records that an architecture's glibc comes from a
// provider rather than the runtime.
type LibcImport struct {
	Provider *Provider

	// LdSo is the provider-root-relative path of the dynamic linker
	// the container must run on.
	LdSo string
}

// Result is what the container launcher needs from a driver import.
type Result struct {
	// Env is the loader environment to apply, in emission order.
	Env []EnvVar

	// LibcFromProvider maps architecture tuples whose glibc was
	// imported to the winning provider and dynamic linker.
	LibcFromProvider map[string]LibcImport
}

// ImportDrivers enumerates the providers' graphics modules, captures
// them into the overlay directory, reconciles glibc, prunes shadowed
// runtime libraries and computes the loader environment.
func ImportDrivers(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	arches := opts.Architectures
	if len(arches) == 0 {
		arches = Multiarch()
	}
	containerOverlay := opts.ContainerOverlayDir
	if containerOverlay == "" {
		containerOverlay = "/overrides"
	}
	if opts.OverlayDir == "" {
		return nil, fmt.Errorf("no overlay directory configured")
	}

	enum := opts.Enumerator
	if enum == nil {
		enum = StartEnumeration(ctx, opts.Providers, arches, opts.SingleThread, logger)
	}
	results := enum.Collect(logger)

	c := &capturer{
		helper:           opts.CaptureHelper,
		overlayDir:       opts.OverlayDir,
		containerOverlay: containerOverlay,
		knowledge:        opts.LibraryKnowledge,
		logger:           logger,
	}

	for _, provider := range opts.Providers {
		described := lookup(results, provider, "")
		for _, arch := range arches {
			archResult := lookup(results, provider, arch.Tuple)

			var sonamePatterns []string
			for _, kind := range describedKinds {
				patterns, err := c.captureKind(ctx, provider, arch, kind, described.ByKind[kind])
				if err != nil {
					return nil, err
				}
				sonamePatterns = append(sonamePatterns, patterns...)
			}
			for _, kind := range driverKinds {
				patterns, err := c.captureKind(ctx, provider, arch, kind, archResult.ByKind[kind])
				if err != nil {
					return nil, err
				}
				sonamePatterns = append(sonamePatterns, patterns...)
			}
			if err := c.captureSonameBatch(ctx, provider, arch, sonamePatterns); err != nil {
				return nil, err
			}
		}
	}

	paths := &capturedPaths{}
	nvidia := false
	indexByKind := make(map[ModuleKind]int)
	for _, provider := range opts.Providers {
		described := lookup(results, provider, "")
		for _, kind := range describedKinds {
			for _, m := range described.ByKind[kind] {
				if strings.Contains(m.Library, "nvidia") {
					nvidia = true
				}
				for _, arch := range arches {
					resolution := m.Resolution(arch)
					if resolution.Class == ClassNonexistent {
						continue
					}
					containerJSON, err := c.writeDescription(provider, arch, indexByKind[kind], m)
					if err != nil {
						return nil, err
					}
					indexByKind[kind]++
					switch kind {
					case VulkanICD:
						paths.vulkanICDs.add(containerJSON)
					case VulkanExplicitLayer, VulkanImplicitLayer:
						paths.vulkanLayerDirs.add(path.Dir(containerJSON))
					case EGLICD:
						paths.eglVendors.add(containerJSON)
					case EGLExternalPlatform:
						paths.eglPlatforms.add(containerJSON)
					}
					if resolution.Class != ClassAbsolute {
						// One pass-through description serves every
						// architecture.
						break
					}
				}
			}
		}
		for _, arch := range arches {
			archResult := lookup(results, provider, arch.Tuple)
			for _, kind := range driverKinds {
				for _, m := range archResult.ByKind[kind] {
					if strings.Contains(m.Library, "nvidia") {
						nvidia = true
					}
					resolution := m.Resolution(arch)
					if resolution.ContainerPath == "" {
						continue
					}
					dir := path.Dir(resolution.ContainerPath)
					if kind == VDPAUDriver {
						paths.vdpauDirs.add(dir)
					} else {
						paths.driDirs.add(dir)
					}
				}
			}
		}
	}

	libcFromProvider := make(map[string]LibcImport)
	for _, arch := range arches {
		if opts.RuntimeRoot == nil {
			break
		}
		for _, provider := range opts.Providers {
			choice, err := c.reconcileLibc(ctx, provider, opts.RuntimeRoot, arch)
			if err != nil {
				return nil, err
			}
			if choice.FromProvider {
				libcFromProvider[arch.Tuple] = LibcImport{Provider: provider, LdSo: choice.LdSo}
				break
			}
		}
	}
	if len(libcFromProvider) > 0 && len(libcFromProvider) < len(arches) {
		logger.Warn("glibc decisions differ between architectures",
			"fromProvider", len(libcFromProvider), "arches", len(arches))
	}

	if opts.MutableRuntimeDir != "" {
		c.pruneShadowedLibraries(opts.MutableRuntimeDir, arches)
	}

	for _, arch := range arches {
		if _, err := os.Stat(c.hostDir(path.Join("lib", arch.Tuple))); err == nil {
			paths.libDirs.add(path.Join(containerOverlay, "lib", arch.Tuple))
		}
	}

	return &Result{
		Env:              buildEnvironment(paths, opts.LegacyRuntime && nvidia, logger),
		LibcFromProvider: libcFromProvider,
	}, nil
}
