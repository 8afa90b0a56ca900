// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// ManifestFileName is the manifest describing a merged-/usr runtime.
// Its presence takes priority over every other flavor probe.
const ManifestFileName = "usr-mtree.txt.gz"

// Flavor classifies how a deployment directory stores its runtime.
type Flavor int

const (
	// FlavorManifest is a merged-/usr tree described by a compact
	// manifest plus a files/ content store; materializing it always
	// requires a mutable copy.
	FlavorManifest Flavor = iota

	// FlavorFlatpak is a Flatpak-style deployment whose runtime
	// lives under a files/ subdirectory.
	FlavorFlatpak

	// FlavorPlain is a plain sysroot or merged-/usr tree used as-is.
	FlavorPlain
)

func (f Flavor) String() string {
	switch f {
	case FlavorManifest:
		return "manifest"
	case FlavorFlatpak:
		return "flatpak"
	default:
		return "plain"
	}
}

// probeFlavor determines a deployment's flavor, probing for the
// manifest file and a files/ subdirectory in that priority order.
func probeFlavor(deployDir string) (Flavor, error) {
	if _, err := os.Stat(filepath.Join(deployDir, ManifestFileName)); err == nil {
		return FlavorManifest, nil
	}
	if st, err := os.Stat(filepath.Join(deployDir, "files")); err == nil && st.IsDir() {
		return FlavorFlatpak, nil
	}
	if _, err := os.Stat(deployDir); err != nil {
		return FlavorPlain, fmt.Errorf("probing deployment %q: %w", deployDir, err)
	}
	return FlavorPlain, nil
}

// OSRelease carries the identity fields caisson reads from a
// runtime's os-release file. They are used only to recognize the
// legacy runtime generations that need compatibility shims.
type OSRelease struct {
	ID        string
	VersionID string
}

// readOSRelease reads usr/lib/os-release (falling back to
// etc/os-release) below the runtime root. A missing file is not an
// error; the zero OSRelease simply matches no legacy generation.
func readOSRelease(root *sysroot.Root) (OSRelease, error) {
	var data []byte
	var err error
	for _, path := range []string{"usr/lib/os-release", "etc/os-release"} {
		data, err = sysroot.ReadFile(root, path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return OSRelease{}, nil
	}

	var release OSRelease
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			release.ID = value
		case "VERSION_ID":
			release.VersionID = value
		}
	}
	return release, nil
}

// LegacyGeneration reports which legacy runtime generation the
// os-release identity matches: 1 or 2 for the two generations that
// need compatibility shims (old library-path layout, VDPAU quirks),
// 0 for everything current.
func (o OSRelease) LegacyGeneration() int {
	if o.ID != "steamrt" {
		return 0
	}
	switch o.VersionID {
	case "1":
		return 1
	case "2":
		return 2
	default:
		return 0
	}
}
