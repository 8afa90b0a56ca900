// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caisson-foundation/caisson/sysroot"
)

// libcChoice records, for one architecture, whose glibc the container
// will run on.
type libcChoice struct {
	// FromProvider is true when the provider's glibc is newer than the
	// runtime's and was imported into the overlay.
	FromProvider bool

	// LdSo is the provider-root-relative path of the dynamic linker
	// the container must use, set only when FromProvider is true.
	LdSo string
}

// glibcUtilities are the interpreter-adjacent programs imported
// alongside a provider glibc. Only ldconfig is mandatory; the rest
// are nice to have and skipped when the provider lacks them.
var glibcUtilities = []string{"locale", "localedef", "iconv", "iconvconfig"}

// libcVersionFromName extracts a glibc version from the traditional
// versioned filename, "libc-2.31.so". Returns nil when the name does
// not carry one (modern glibc installs a plain libc.so.6).
func libcVersionFromName(name string) []int {
	rest, ok := strings.CutPrefix(name, "libc-")
	if !ok {
		return nil
	}
	rest, ok = strings.CutSuffix(rest, ".so")
	if !ok {
		return nil
	}
	return parseVersion(rest)
}

// libcVersionFromContents scans the library body for the banner glibc
// embeds ("GNU C Library ... release version 2.31"). The scan is
// bounded so a corrupt file cannot make it unbounded.
func libcVersionFromContents(r io.Reader) []int {
	data, err := io.ReadAll(io.LimitReader(r, 8<<20))
	if err != nil {
		return nil
	}
	i := bytes.Index(data, []byte("GNU C Library"))
	if i < 0 {
		return nil
	}
	const marker = "release version "
	j := bytes.Index(data[i:], []byte(marker))
	if j < 0 {
		return nil
	}
	rest := data[i+j+len(marker):]
	end := 0
	for end < len(rest) && (rest[end] == '.' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	return parseVersion(strings.TrimSuffix(string(rest[:end]), "."))
}

func parseVersion(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	version := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		version = append(version, n)
	}
	return version
}

// compareVersions orders dotted versions numerically, component by
// component; a version that continues with a nonzero component after
// its peer ends is newer.
func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// glibcVersion locates libc.so.6 for one architecture in a root and
// determines its version, first from the symlink target's filename,
// then from the library body.
func glibcVersion(root *sysroot.Root, arch Architecture) ([]int, error) {
	for _, dir := range arch.LibDirs {
		h, err := sysroot.Resolve(root, path.Join(dir, "libc.so.6"), sysroot.Readable)
		if err != nil {
			continue
		}
		if v := libcVersionFromName(path.Base(h.Path())); v != nil {
			h.Close()
			return v, nil
		}
		f := h.IntoFile()
		v := libcVersionFromContents(f)
		f.Close()
		if v != nil {
			return v, nil
		}
		return nil, fmt.Errorf("libc.so.6 in %q carries no recognizable version", dir)
	}
	return nil, fmt.Errorf("no libc.so.6 for %s", arch.Tuple)
}

// reconcileLibc decides whose glibc one architecture runs on and, when
// the provider wins, imports the libc family into the overlay: the
// dynamic linker and ldconfig are mandatory, gconv modules and the
// utility programs are optional.
func (c *capturer) reconcileLibc(ctx context.Context, provider *Provider, runtimeRoot *sysroot.Root, arch Architecture) (libcChoice, error) {
	providerVersion, err := glibcVersion(provider.Root, arch)
	if err != nil {
		c.logger.Debug("provider glibc undetermined, keeping runtime libc",
			"provider", provider.Name, "arch", arch.Tuple, "error", err)
		return libcChoice{}, nil
	}
	runtimeVersion, err := glibcVersion(runtimeRoot, arch)
	if err == nil && compareVersions(providerVersion, runtimeVersion) <= 0 {
		return libcChoice{}, nil
	}
	c.logger.Info("importing provider glibc",
		"provider", provider.Name, "arch", arch.Tuple,
		"providerVersion", providerVersion, "runtimeVersion", runtimeVersion)

	libDir := c.hostDir(path.Join("lib", arch.Tuple))
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return libcChoice{}, fmt.Errorf("creating %q: %w", libDir, err)
	}
	ldSo, err := c.runHelper(ctx, provider, arch, libDir, true, []string{"soname:libc.so.6"})
	if err != nil {
		return libcChoice{}, fmt.Errorf("importing glibc for %s: %w", arch.Tuple, err)
	}
	if ldSo == "" {
		return libcChoice{}, fmt.Errorf("capture helper reported no dynamic linker for %s", arch.Tuple)
	}

	if err := c.importGlibcUtilities(ctx, provider, arch); err != nil {
		return libcChoice{}, err
	}
	c.linkGconvModules(provider, arch)
	c.linkLocaleData(provider)

	return libcChoice{FromProvider: true, LdSo: strings.TrimPrefix(ldSo, "/")}, nil
}

// importGlibcUtilities captures ldconfig and the optional glibc
// programs into the overlay's bin directory. One capture serves both
// word sizes, so repeated calls short-circuit; the first winning
// architecture's ELF class is the one the programs run as.
func (c *capturer) importGlibcUtilities(ctx context.Context, provider *Provider, arch Architecture) error {
	binDir := c.hostDir("bin")
	if _, err := os.Lstat(filepath.Join(binDir, "ldconfig")); err == nil {
		return nil
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %q: %w", binDir, err)
	}

	ldconfig := ""
	for _, candidate := range []string{"sbin/ldconfig", "usr/sbin/ldconfig", "usr/bin/ldconfig"} {
		if h, err := sysroot.Resolve(provider.Root, candidate, 0); err == nil {
			ldconfig = h.Path()
			h.Close()
			break
		}
	}
	if ldconfig == "" {
		return fmt.Errorf("provider %s has no ldconfig", provider.Name)
	}
	patterns := []string{"path:/" + ldconfig}
	for _, utility := range glibcUtilities {
		patterns = append(patterns, "if-exists:path:/usr/bin/"+utility)
	}
	if _, err := c.runHelper(ctx, provider, arch, binDir, false, patterns); err != nil {
		return fmt.Errorf("importing glibc utilities: %w", err)
	}
	return nil
}

// linkLocaleData exposes the provider's compiled locale data (the
// locale-archive and per-locale directories under usr/lib/locale)
// through the overlay. The data is word-size independent, so one link
// serves every architecture. Best effort: a provider without compiled
// locales is common and the imported glibc falls back to C/POSIX.
func (c *capturer) linkLocaleData(provider *Provider) {
	const localeDir = "usr/lib/locale"
	h, err := sysroot.Resolve(provider.Root, localeDir, 0)
	if err != nil {
		c.logger.Debug("provider has no compiled locale data", "provider", provider.Name)
		return
	}
	h.Close()
	if provider.PathInContainer == "" {
		return
	}
	if err := os.MkdirAll(c.hostDir("lib"), 0o755); err != nil {
		c.logger.Warn("creating locale link directory", "error", err)
		return
	}
	link := filepath.Join(c.hostDir("lib"), "locale")
	target := path.Join(provider.PathInContainer, localeDir)
	if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
		c.logger.Warn("linking locale data", "error", err)
	}
}

// linkGconvModules makes the provider's character-set conversion
// modules reachable from the overlay by symlink. Best effort: a glibc
// without gconv data still works for most programs.
func (c *capturer) linkGconvModules(provider *Provider, arch Architecture) {
	for _, dir := range arch.LibDirs {
		gconvDir := path.Join(dir, "gconv")
		h, err := sysroot.Resolve(provider.Root, gconvDir, 0)
		if err != nil {
			continue
		}
		h.Close()
		if provider.PathInContainer == "" {
			return
		}
		link := filepath.Join(c.hostDir(path.Join("lib", arch.Tuple)), "gconv")
		target := path.Join(provider.PathInContainer, gconvDir)
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			c.logger.Warn("linking gconv modules", "arch", arch.Tuple, "error", err)
		}
		return
	}
}
