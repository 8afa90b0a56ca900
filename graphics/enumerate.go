// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// Provider is a filesystem graphics drivers are imported from:
// usually the real host, sometimes an emulator's idea of the host.
type Provider struct {
	// Name identifies the provider in logs.
	Name string

	// Root is the provider's filesystem.
	Root *sysroot.Root

	// PathInContainer is where the provider's filesystem is visible
	// inside the container ("/run/gfx", or "/" when the provider is
	// the container's own root).
	PathInContainer string
}

// jsonSearchDirs lists the provider-relative directories scanned for
// a described module kind, in loader priority order (configuration in
// /etc shadows the distribution's defaults in /usr/share).
func jsonSearchDirs(kind ModuleKind) []string {
	switch kind {
	case EGLICD:
		return []string{"etc/glvnd/egl_vendor.d", "usr/share/glvnd/egl_vendor.d"}
	case EGLExternalPlatform:
		return []string{"etc/egl/egl_external_platform.d", "usr/share/egl/egl_external_platform.d"}
	case VulkanICD:
		return []string{"etc/vulkan/icd.d", "usr/share/vulkan/icd.d"}
	case VulkanExplicitLayer:
		return []string{"etc/vulkan/explicit_layer.d", "usr/share/vulkan/explicit_layer.d"}
	case VulkanImplicitLayer:
		return []string{"etc/vulkan/implicit_layer.d", "usr/share/vulkan/implicit_layer.d"}
	default:
		return nil
	}
}

// driverFilePattern returns the filename prefix/suffix identifying a
// directory-scanned driver kind.
func driverFilePattern(kind ModuleKind) (category, prefix, suffix string) {
	switch kind {
	case DRIDriver:
		return "dri", "", "_dri.so"
	case VAAPIDriver:
		return "dri", "", "_drv_video.so"
	case VDPAUDriver:
		return "vdpau", "libvdpau_", ".so"
	default:
		return "", "", ""
	}
}

// enumerateDescribed scans a provider for one JSON-described module
// kind. Missing search directories are normal (most systems have only
// a few of them) and are skipped silently; unparseable descriptions
// are logged and skipped so one vendor's broken file cannot disable
// every other driver.
func enumerateDescribed(provider *Provider, kind ModuleKind, logger *slog.Logger) []*Module {
	var modules []*Module
	for _, dir := range jsonSearchDirs(kind) {
		names, ok := sortedDirNames(provider.Root, dir)
		if !ok {
			continue
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			jsonPath := path.Join(dir, name)
			data, err := sysroot.ReadFile(provider.Root, jsonPath)
			if err != nil {
				logger.Warn("cannot read module description",
					"provider", provider.Name, "path", jsonPath, "error", err)
				continue
			}
			description, err := ParseDescription(data, kind)
			if err != nil {
				logger.Warn("skipping module description",
					"provider", provider.Name, "path", jsonPath, "error", err)
				continue
			}
			modules = append(modules, &Module{
				Kind:       kind,
				JSONPath:   jsonPath,
				Library:    description.LibraryPath,
				APIVersion: description.APIVersion,
				MetaLayer:  description.MetaLayer,
			})
		}
	}
	return modules
}

// enumerateDrivers scans a provider's per-architecture driver
// directories for one directory-scanned kind. The first directory
// that exists wins; later candidates are legacy fallbacks for the
// same libraries, and scanning them too would duplicate every module.
func enumerateDrivers(provider *Provider, arch Architecture, kind ModuleKind, logger *slog.Logger) []*Module {
	category, prefix, suffix := driverFilePattern(kind)

	var modules []*Module
	for _, dir := range arch.driverSubdirs(category) {
		names, ok := sortedDirNames(provider.Root, dir)
		if !ok {
			continue
		}
		for _, name := range names {
			if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
				continue
			}
			modules = append(modules, &Module{
				Kind:    kind,
				Library: "/" + path.Join(dir, name),
			})
		}
		if len(modules) > 0 {
			logger.Debug("enumerated drivers", "provider", provider.Name,
				"arch", arch.Tuple, "kind", kind.String(), "dir", dir, "count", len(modules))
			break
		}
	}
	return modules
}

// sortedDirNames lists a directory below a root in lexical order.
// ok is false when the directory does not exist or cannot be read.
func sortedDirNames(root *sysroot.Root, dir string) ([]string, bool) {
	h, err := sysroot.Resolve(root, dir, sysroot.Directory)
	if err != nil {
		return nil, false
	}
	f := h.IntoFile()
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, false
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, true
}
