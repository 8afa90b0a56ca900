// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveClassification(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"usr/lib/x86_64-linux-gnu/libvulkan_radeon.so": "elf",
		"usr/share/vulkan/icd.d/relative/librel.so":    "elf",
	})
	provider := openProvider(t, dir)
	arch := Multiarch()[0]

	tests := []struct {
		name   string
		module Module
		class  Class
		path   string
	}{
		{
			name:   "absolute",
			module: Module{Kind: VulkanICD, Library: "/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so"},
			class:  ClassAbsolute,
			path:   "usr/lib/x86_64-linux-gnu/libvulkan_radeon.so",
		},
		{
			name: "relative to description directory",
			module: Module{
				Kind:     VulkanICD,
				JSONPath: "usr/share/vulkan/icd.d/radeon.json",
				Library:  "relative/librel.so",
			},
			class: ClassAbsolute,
			path:  "usr/share/vulkan/icd.d/relative/librel.so",
		},
		{
			name:   "soname",
			module: Module{Kind: EGLICD, Library: "libEGL_mesa.so.0"},
			class:  ClassSoname,
			path:   "libEGL_mesa.so.0",
		},
		{
			name:   "meta layer",
			module: Module{Kind: VulkanImplicitLayer, MetaLayer: true},
			class:  ClassMetaLayer,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tc.module.Resolve(provider.Root, arch)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if r.Class != tc.class {
				t.Errorf("Class = %v, want %v", r.Class, tc.class)
			}
			if r.ResolvedPath != tc.path {
				t.Errorf("ResolvedPath = %q, want %q", r.ResolvedPath, tc.path)
			}
		})
	}
}

func TestResolveSetOnce(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"usr/lib/x86_64-linux-gnu/libvulkan_radeon.so": "elf",
	})
	provider := openProvider(t, dir)
	arch := Multiarch()[0]

	m := Module{Kind: VulkanICD, Library: "/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so"}
	first, err := m.Resolve(provider.Root, arch)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A later mutation of the provider must not change the answer.
	if err := os.Remove(filepath.Join(dir, "usr/lib/x86_64-linux-gnu/libvulkan_radeon.so")); err != nil {
		t.Fatal(err)
	}
	second, err := m.Resolve(provider.Root, arch)
	if err != nil {
		t.Fatalf("repeated Resolve: %v", err)
	}
	if second != first {
		t.Errorf("resolution changed: %+v then %+v", first, second)
	}
}

func TestResolveNonexistentUntilSuccess(t *testing.T) {
	dir := t.TempDir()
	provider := openProvider(t, dir)
	arch := Multiarch()[0]

	m := Module{Kind: EGLICD, Library: "/usr/lib/x86_64-linux-gnu/libEGL_mesa.so.0"}
	if _, err := m.Resolve(provider.Root, arch); err == nil {
		t.Fatal("want error for missing library")
	}
	if got := m.Resolution(arch).Class; got != ClassNonexistent {
		t.Fatalf("Class after failure = %v, want ClassNonexistent", got)
	}

	// A failed resolution does not stick: once the library appears,
	// the next attempt succeeds.
	writeTree(t, dir, map[string]string{
		"usr/lib/x86_64-linux-gnu/libEGL_mesa.so.0": "elf",
	})
	r, err := m.Resolve(provider.Root, arch)
	if err != nil {
		t.Fatalf("Resolve after creation: %v", err)
	}
	if r.Class != ClassAbsolute {
		t.Errorf("Class = %v, want ClassAbsolute", r.Class)
	}
}

func TestResolvePerArchitecture(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"usr/lib/x86_64-linux-gnu/libvulkan_radeon.so": "elf",
	})
	provider := openProvider(t, dir)
	arches := Multiarch()

	m := Module{Kind: EGLICD, Library: "libEGL_mesa.so.0"}
	for _, arch := range arches {
		if _, err := m.Resolve(provider.Root, arch); err != nil {
			t.Fatalf("Resolve(%s): %v", arch.Tuple, err)
		}
	}
	m.setContainerPath(arches[0], "/overrides/lib/x86_64-linux-gnu/libEGL_mesa.so.0")
	if got := m.Resolution(arches[1]).ContainerPath; got != "" {
		t.Errorf("container path leaked across architectures: %q", got)
	}
}
