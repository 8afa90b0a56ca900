// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"log/slog"
	"strings"
)

// EnvVar is one environment adjustment the container launcher must
// apply. Unset entries must be removed from the inherited
// environment, otherwise a stale value from the host would override
// the captured stack.
type EnvVar struct {
	Name  string
	Value string
	Unset bool
}

// orderedSet accumulates strings preserving first-insertion order,
// which is discovery order and therefore loader priority.
type orderedSet struct {
	seen map[string]bool
	list []string
}

func (s *orderedSet) add(value string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if value == "" || s.seen[value] {
		return
	}
	s.seen[value] = true
	s.list = append(s.list, value)
}

// capturedPaths is what capture produced, expressed as in-container
// paths, grouped the way the loaders' environment variables want
// them.
type capturedPaths struct {
	vulkanICDs      orderedSet // JSON files, VK_DRIVER_FILES order
	vulkanLayerDirs orderedSet
	eglVendors      orderedSet // JSON files
	eglPlatforms    orderedSet // JSON files
	driDirs         orderedSet // shared by GLX/DRI and VA-API loaders
	vdpauDirs       orderedSet
	libDirs         orderedSet // LD_LIBRARY_PATH entries
}

// buildEnvironment renders the capture results into the full set of
// loader variables. Every variable the loaders consult is either set
// to a computed value or explicitly unset; none is left to leak in
// from the host.
func buildEnvironment(paths *capturedPaths, forceVDPAUDriverOff bool, logger *slog.Logger) []EnvVar {
	var env []EnvVar
	setOrUnset := func(name string, values []string) {
		if len(values) == 0 {
			env = append(env, EnvVar{Name: name, Unset: true})
			return
		}
		env = append(env, EnvVar{Name: name, Value: strings.Join(values, ":")})
	}

	setOrUnset("VK_DRIVER_FILES", paths.vulkanICDs.list)
	// Older Vulkan loaders only understand the deprecated spelling.
	setOrUnset("VK_ICD_FILENAMES", paths.vulkanICDs.list)
	setOrUnset("VK_ADD_LAYER_PATH", paths.vulkanLayerDirs.list)
	setOrUnset("__EGL_VENDOR_LIBRARY_FILENAMES", paths.eglVendors.list)
	setOrUnset("__EGL_EXTERNAL_PLATFORM_CONFIG_FILENAMES", paths.eglPlatforms.list)
	setOrUnset("LIBGL_DRIVERS_PATH", paths.driDirs.list)
	setOrUnset("LIBVA_DRIVERS_PATH", paths.driDirs.list)

	// The VDPAU loader takes a single directory, not a search path.
	vdpau := paths.vdpauDirs.list
	if len(vdpau) > 1 {
		logger.Warn("multiple VDPAU driver directories, using the first",
			"used", vdpau[0], "ignored", vdpau[1:])
		vdpau = vdpau[:1]
	}
	setOrUnset("VDPAU_DRIVER_PATH", vdpau)

	setOrUnset("LD_LIBRARY_PATH", paths.libDirs.list)

	if forceVDPAUDriverOff {
		// The legacy runtime's VDPAU loader crashes when told to use
		// the NVIDIA driver by name, so any inherited preference must
		// go.
		env = append(env, EnvVar{Name: "VDPAU_DRIVER", Unset: true})
	}
	return env
}
