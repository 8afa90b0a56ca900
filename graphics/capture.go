// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// capturer drives the external library-capture helper and assembles
// the overlay directory.
type capturer struct {
	helper           string
	overlayDir       string // host path of the overrides directory
	containerOverlay string // where the overlay is mounted in the container
	knowledge        string // optional library ABI description for the helper
	logger           *slog.Logger
}

// jsonOverlaySubdir is where a described kind's (possibly rewritten)
// JSON files live inside the overlay, mirroring the loader search
// layout so pointing the loaders at the overlay needs only an
// environment variable.
func jsonOverlaySubdir(kind ModuleKind) string {
	switch kind {
	case EGLICD:
		return "share/glvnd/egl_vendor.d"
	case EGLExternalPlatform:
		return "share/egl/egl_external_platform.d"
	case VulkanICD:
		return "share/vulkan/icd.d"
	case VulkanExplicitLayer:
		return "share/vulkan/explicit_layer.d"
	case VulkanImplicitLayer:
		return "share/vulkan/implicit_layer.d"
	default:
		return ""
	}
}

// libraryOverlaySubdir is the per-architecture overlay directory a
// kind's libraries are captured into. Directory-scanned kinds keep
// their conventional subdirectory so the loader search-path variables
// can point at one directory per category.
func libraryOverlaySubdir(arch Architecture, kind ModuleKind) string {
	category, _, _ := driverFilePattern(kind)
	return path.Join("lib", arch.Tuple, category)
}

func (c *capturer) hostDir(subdir string) string {
	return filepath.Join(c.overlayDir, filepath.FromSlash(subdir))
}

func (c *capturer) containerDir(subdir string) string {
	return path.Join(c.containerOverlay, subdir)
}

// runHelper invokes the library-capture helper: given a provider
// root, an architecture, a destination directory and a set of match
// patterns, it creates symlinks satisfying the patterns (dependencies
// included), ignores libraries of the wrong ELF class, and, when
// asked, prints the provider's resolved dynamic linker path on
// stdout.
func (c *capturer) runHelper(ctx context.Context, provider *Provider, arch Architecture, destDir string, printLdSo bool, patterns []string) (string, error) {
	args := []string{
		"--dest=" + destDir,
		"--provider=" + provider.Root.Path(),
		"--arch=" + arch.Tuple,
	}
	if provider.PathInContainer != "" && provider.PathInContainer != "/" {
		args = append(args, "--link-target="+provider.PathInContainer)
	}
	if c.knowledge != "" {
		args = append(args, "--library-knowledge="+c.knowledge)
	}
	if printLdSo {
		args = append(args, "--print-ld.so")
	}
	args = append(args, patterns...)

	cmd := exec.CommandContext(ctx, c.helper, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("capture helper %v: %w", args, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// needNumberedDirs decides whether a batch of absolute-path modules
// can share one capture directory. Two modules with the same library
// basename, or a basename already present in the shared directory
// from an earlier run, would silently shadow each other there, so the
// batch falls back to one numbered subdirectory per module.
func needNumberedDirs(sharedDir string, modules []*Module, arch Architecture) bool {
	seen := make(map[string]bool)
	for _, m := range modules {
		base := path.Base(m.Resolution(arch).ResolvedPath)
		if seen[base] {
			return true
		}
		seen[base] = true
		if _, err := os.Lstat(filepath.Join(sharedDir, base)); err == nil {
			return true
		}
	}
	return false
}

// captureKind captures one category's modules for one architecture.
// Absolute-path modules each get their own helper invocation (their
// capture directory placement matters); soname modules are returned
// as patterns for the caller's per-architecture batch, because the
// dynamic linker resolves sonames by name and order does not matter.
func (c *capturer) captureKind(ctx context.Context, provider *Provider, arch Architecture, kind ModuleKind, modules []*Module) (sonamePatterns []string, err error) {
	var absolute []*Module
	for _, m := range modules {
		resolution, err := m.Resolve(provider.Root, arch)
		if err != nil {
			// A module whose library does not exist for this
			// architecture is normal (32-bit halves of drivers are
			// frequently absent); it stays nonexistent and is
			// omitted from the container.
			c.logger.Debug("module not resolvable", "provider", provider.Name,
				"arch", arch.Tuple, "kind", kind.String(), "library", m.Library, "error", err)
			continue
		}
		switch resolution.Class {
		case ClassAbsolute:
			absolute = append(absolute, m)
		case ClassSoname:
			sonamePatterns = append(sonamePatterns, "soname:"+resolution.ResolvedPath)
			m.setContainerPath(arch, resolution.ResolvedPath)
		case ClassMetaLayer:
			// Nothing to capture; the description passes through.
		}
	}

	subdir := libraryOverlaySubdir(arch, kind)
	sharedDir := c.hostDir(subdir)
	numbered := needNumberedDirs(sharedDir, absolute, arch)

	for i, m := range absolute {
		destDir, containerDir := sharedDir, c.containerDir(subdir)
		if numbered {
			n := strconv.Itoa(i)
			destDir = filepath.Join(sharedDir, n)
			containerDir = path.Join(containerDir, n)
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating capture directory %q: %w", destDir, err)
		}
		resolution := m.Resolution(arch)
		_, err := c.runHelper(ctx, provider, arch, destDir, false,
			[]string{"path:/" + resolution.ResolvedPath})
		if err != nil {
			return nil, fmt.Errorf("capturing %s module %q: %w", kind, resolution.ResolvedPath, err)
		}
		m.setContainerPath(arch, path.Join(containerDir, path.Base(resolution.ResolvedPath)))
	}
	return sonamePatterns, nil
}

// captureSonameBatch runs the shared per-architecture helper
// invocation for every soname pattern collected across categories.
func (c *capturer) captureSonameBatch(ctx context.Context, provider *Provider, arch Architecture, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	destDir := c.hostDir(path.Join("lib", arch.Tuple))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating capture directory %q: %w", destDir, err)
	}
	if _, err := c.runHelper(ctx, provider, arch, destDir, false, patterns); err != nil {
		return fmt.Errorf("capturing soname batch for %s: %w", arch.Tuple, err)
	}
	return nil
}

// writeDescription places a module's JSON description in the overlay
// for one architecture and returns its in-container path.
//
// Absolute-path modules get a rewritten description pointing at the
// captured in-container library. Soname and meta-layer modules pass
// the provider's description through unmodified: as a symlink to the
// provider's in-container mount when possible, falling back to a byte
// copy.
func (c *capturer) writeDescription(provider *Provider, arch Architecture, index int, m *Module) (string, error) {
	subdir := jsonOverlaySubdir(m.Kind)
	hostDir := c.hostDir(subdir)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %q: %w", hostDir, err)
	}

	data, err := sysroot.ReadFile(provider.Root, m.JSONPath)
	if err != nil {
		return "", fmt.Errorf("reading description %q: %w", m.JSONPath, err)
	}

	resolution := m.Resolution(arch)
	switch resolution.Class {
	case ClassAbsolute:
		description, err := ParseDescription(data, m.Kind)
		if err != nil {
			return "", fmt.Errorf("description %q: %w", m.JSONPath, err)
		}
		rewritten, err := description.Rewrite(resolution.ContainerPath)
		if err != nil {
			return "", fmt.Errorf("description %q: %w", m.JSONPath, err)
		}
		name := fmt.Sprintf("%d-%s-%s", index, arch.Tuple, path.Base(m.JSONPath))
		if err := os.WriteFile(filepath.Join(hostDir, name), rewritten, 0o644); err != nil {
			return "", fmt.Errorf("writing rewritten description: %w", err)
		}
		return path.Join(c.containerDir(subdir), name), nil

	default:
		name := path.Base(m.JSONPath)
		hostPath := filepath.Join(hostDir, name)
		if _, err := os.Lstat(hostPath); err == nil {
			return path.Join(c.containerDir(subdir), name), nil
		}
		if provider.PathInContainer != "" {
			target := path.Join(provider.PathInContainer, m.JSONPath)
			if err := os.Symlink(target, hostPath); err == nil {
				return path.Join(c.containerDir(subdir), name), nil
			}
		}
		if err := os.WriteFile(hostPath, data, 0o644); err != nil {
			return "", fmt.Errorf("copying description %q: %w", m.JSONPath, err)
		}
		return path.Join(c.containerDir(subdir), name), nil
	}
}
