// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// overlayBasenames collects the library names captured into the
// overlay for one architecture, numbered subdirectories included.
func (c *capturer) overlayBasenames(arch Architecture) map[string]bool {
	names := make(map[string]bool)
	root := c.hostDir(path.Join("lib", arch.Tuple))
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".so") {
			names[d.Name()] = true
		}
		return nil
	})
	return names
}

// pruneShadowedLibraries deletes, from a mutable runtime copy, the
// runtime's own copies of libraries the overlay now provides. Without
// this the runtime copy would still be found through ld.so cache
// entries baked into the image and could be loaded in preference to
// the captured one. A second pass removes development symlinks left
// dangling by the first.
func (c *capturer) pruneShadowedLibraries(mutableDir string, arches []Architecture) {
	for _, arch := range arches {
		captured := c.overlayBasenames(arch)
		if len(captured) == 0 {
			continue
		}
		var dirs []string
		for _, libDir := range arch.LibDirs {
			dir := filepath.Join(mutableDir, filepath.FromSlash(libDir))
			if pruneCaptured(dir, captured, c) {
				dirs = append(dirs, dir)
			}
		}
		for _, dir := range dirs {
			pruneDangling(dir, c)
		}
	}
}

// pruneCaptured deletes entries of one library directory that the
// overlay shadows: same basename as a captured library, or a symlink
// whose target has one. Reports whether the directory existed.
func pruneCaptured(dir string, captured map[string]bool, c *capturer) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		shadowed := captured[entry.Name()]
		if !shadowed && entry.Type()&fs.ModeSymlink != 0 {
			if target, err := os.Readlink(p); err == nil {
				shadowed = captured[path.Base(target)]
			}
		}
		if !shadowed {
			continue
		}
		if err := os.Remove(p); err != nil {
			c.logger.Warn("removing shadowed library", "path", p, "error", err)
			continue
		}
		c.logger.Debug("removed shadowed library", "path", p)
	}
	return true
}

// pruneDangling deletes symlinks in one directory whose targets no
// longer exist, typically libfoo.so development links that pointed at
// a just-removed libfoo.so.1.2.3.
func pruneDangling(dir string, c *capturer) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(p); err == nil || !os.IsNotExist(err) {
			continue
		}
		if err := os.Remove(p); err != nil {
			c.logger.Warn("removing dangling symlink", "path", p, "error", err)
		}
	}
}
