// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import "path"

// Architecture describes one ABI the container may run code for.
type Architecture struct {
	// Tuple is the Debian-style multiarch tuple.
	Tuple string

	// LdSo is the canonical dynamic linker path for the ABI.
	LdSo string

	// LibDirs are the library directories to search under a sysroot,
	// in preference order, relative to the root.
	LibDirs []string
}

// Multiarch returns the architectures a container is assembled for,
// most capable first. The i386 entry exists because 32-bit games are
// still common; adding another ABI is a matter of appending here.
func Multiarch() []Architecture {
	return []Architecture{
		{
			Tuple: "x86_64-linux-gnu",
			LdSo:  "/lib64/ld-linux-x86-64.so.2",
			LibDirs: []string{
				"lib/x86_64-linux-gnu",
				"usr/lib/x86_64-linux-gnu",
				"lib64",
				"usr/lib64",
				"lib",
				"usr/lib",
			},
		},
		{
			Tuple: "i386-linux-gnu",
			LdSo:  "/lib/ld-linux.so.2",
			LibDirs: []string{
				"lib/i386-linux-gnu",
				"usr/lib/i386-linux-gnu",
				"lib32",
				"usr/lib32",
				"lib",
				"usr/lib",
			},
		},
	}
}

// driverSubdirs returns an architecture's candidate driver
// directories for a category subdirectory such as "dri" or "vdpau".
func (a Architecture) driverSubdirs(category string) []string {
	dirs := make([]string, 0, len(a.LibDirs))
	for _, libDir := range a.LibDirs {
		dirs = append(dirs, path.Join(libDir, category))
	}
	return dirs
}
