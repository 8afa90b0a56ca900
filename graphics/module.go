// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"fmt"
	"path"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// ModuleKind names a driver module category. One tagged-variant type
// covers all categories; the capture algorithm is written once
// against the Module capability set instead of per category.
type ModuleKind int

const (
	EGLICD ModuleKind = iota
	EGLExternalPlatform
	VulkanICD
	VulkanExplicitLayer
	VulkanImplicitLayer
	VDPAUDriver
	DRIDriver
	VAAPIDriver
)

func (k ModuleKind) String() string {
	switch k {
	case EGLICD:
		return "egl-icd"
	case EGLExternalPlatform:
		return "egl-external-platform"
	case VulkanICD:
		return "vulkan-icd"
	case VulkanExplicitLayer:
		return "vulkan-explicit-layer"
	case VulkanImplicitLayer:
		return "vulkan-implicit-layer"
	case VDPAUDriver:
		return "vdpau"
	case DRIDriver:
		return "dri"
	case VAAPIDriver:
		return "va-api"
	default:
		return fmt.Sprintf("module-kind(%d)", int(k))
	}
}

// described reports whether modules of this kind carry a JSON
// description file (as opposed to being named by their .so directly).
func (k ModuleKind) described() bool {
	switch k {
	case VDPAUDriver, DRIDriver, VAAPIDriver:
		return false
	default:
		return true
	}
}

// Class is the per-architecture classification of a module's library
// reference.
type Class int

const (
	// ClassNonexistent means no resolution attempt has succeeded
	// for the architecture.
	ClassNonexistent Class = iota

	// ClassAbsolute is a library referenced by absolute path (or a
	// path relative to its JSON description).
	ClassAbsolute

	// ClassSoname is a bare soname left for the dynamic linker to
	// resolve by name.
	ClassSoname

	// ClassMetaLayer is a Vulkan layer aggregating component layers
	// and carrying no library of its own.
	ClassMetaLayer
)

func (c Class) String() string {
	switch c {
	case ClassAbsolute:
		return "absolute"
	case ClassSoname:
		return "soname"
	case ClassMetaLayer:
		return "meta-layer"
	default:
		return "nonexistent"
	}
}

// Resolution is what classifying a module for one architecture
// produced.
type Resolution struct {
	Class Class

	// ResolvedPath is the canonical provider-relative path for
	// ClassAbsolute, or the bare soname for ClassSoname.
	ResolvedPath string

	// ContainerPath is set once the module has been captured: the
	// path its library (or JSON description) will have inside the
	// container.
	ContainerPath string
}

// Module is one driver module discovered on a provider.
type Module struct {
	Kind ModuleKind

	// JSONPath is the provider-relative path of the module's JSON
	// description, "" for directory-scanned driver kinds.
	JSONPath string

	// Library is the declared library reference: an absolute path,
	// a path relative to the JSON description, or a bare soname.
	Library string

	// APIVersion is the declared API version (Vulkan ICDs only).
	APIVersion string

	// MetaLayer marks a Vulkan layer with component layers instead
	// of a library.
	MetaLayer bool

	// resolutions is keyed by architecture tuple. A module's
	// classification for an architecture is set exactly once; until
	// a resolution attempt succeeds it stays ClassNonexistent.
	resolutions map[string]*Resolution
}

// Resolution returns the module's resolution for an architecture,
// which is the zero (nonexistent) resolution until Resolve succeeds.
func (m *Module) Resolution(arch Architecture) Resolution {
	if r, ok := m.resolutions[arch.Tuple]; ok {
		return *r
	}
	return Resolution{}
}

// Resolve classifies the module's library reference for one
// architecture against a provider filesystem. Repeated calls with an
// unchanged provider are deterministic: the first successful
// classification wins and is returned thereafter.
func (m *Module) Resolve(provider *sysroot.Root, arch Architecture) (Resolution, error) {
	if r, ok := m.resolutions[arch.Tuple]; ok && r.Class != ClassNonexistent {
		return *r, nil
	}
	if m.resolutions == nil {
		m.resolutions = make(map[string]*Resolution)
	}

	r := &Resolution{}
	switch {
	case m.MetaLayer:
		r.Class = ClassMetaLayer

	case strings.HasPrefix(m.Library, "/"):
		h, err := sysroot.Resolve(provider, m.Library, 0)
		if err != nil {
			m.resolutions[arch.Tuple] = r
			return *r, fmt.Errorf("module %s: library %q: %w", m.Kind, m.Library, err)
		}
		r.Class = ClassAbsolute
		r.ResolvedPath = h.Path()
		h.Close()

	case strings.Contains(m.Library, "/"):
		// Relative to the JSON description's directory.
		relative := path.Join(path.Dir(m.JSONPath), m.Library)
		h, err := sysroot.Resolve(provider, relative, 0)
		if err != nil {
			m.resolutions[arch.Tuple] = r
			return *r, fmt.Errorf("module %s: library %q: %w", m.Kind, relative, err)
		}
		r.Class = ClassAbsolute
		r.ResolvedPath = h.Path()
		h.Close()

	default:
		// A bare soname is not resolved to a path here: the dynamic
		// linker resolves sonames by name, so capture only needs the
		// name.
		r.Class = ClassSoname
		r.ResolvedPath = m.Library
	}

	m.resolutions[arch.Tuple] = r
	return *r, nil
}

// setContainerPath records where the captured module lives inside the
// container.
func (m *Module) setContainerPath(arch Architecture, containerPath string) {
	if r, ok := m.resolutions[arch.Tuple]; ok {
		r.ContainerPath = containerPath
	}
}
