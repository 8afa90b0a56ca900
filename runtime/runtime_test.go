// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// writeFiles creates files below dir from slash-relative paths.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func fakeCaptureHelper(t *testing.T) string {
	t.Helper()
	helper := filepath.Join(t.TempDir(), "capture-libs")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\necho /lib64/ld-linux-x86-64.so.2\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return helper
}

func TestSetupPlainMutable(t *testing.T) {
	source := t.TempDir()
	writeFiles(t, source, map[string]string{
		"usr/lib/os-release":                   "ID=steamrt\nVERSION_ID=3\n",
		"usr/bin/env":                          "#!/bin/sh\n",
		"usr/lib/x86_64-linux-gnu/libstd.so.6": "elf",
	})

	provider := t.TempDir()
	writeFiles(t, provider, map[string]string{
		"usr/lib/x86_64-linux-gnu/dri/radeonsi_dri.so": "elf",
		"usr/share/glvnd/egl_vendor.d/50_mesa.json":    `{"file_format_version": "1.0.0", "ICD": {"library_path": "libEGL_mesa.so.0"}}`,
	})

	host := t.TempDir()
	writeFiles(t, host, map[string]string{"etc/hosts": "127.0.0.1 localhost\n"})

	variableDir := t.TempDir()
	r, err := New(Config{
		Source:        source,
		VariableDir:   variableDir,
		Mutable:       true,
		ProviderPaths: []string{provider},
		RealRoot:      host,
		CaptureHelper: fakeCaptureHelper(t),
		SingleThread:  true,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	plan, err := r.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	args := plan.Args()

	// The mutable copy is exposed writable as /usr and carries the
	// source's contents.
	usrIndex := slices.Index(args, "/usr")
	if usrIndex < 2 || args[usrIndex-2] != "--bind" {
		t.Errorf("no writable /usr bind in %v", args)
	}
	copyUsr := args[usrIndex-1]
	if !strings.HasPrefix(copyUsr, filepath.Join(variableDir, "tmp-")) {
		t.Errorf("/usr bound from %q, want a copy under the variable directory", copyUsr)
	}
	if _, err := os.Stat(filepath.Join(copyUsr, "bin/env")); err != nil {
		t.Errorf("copy is missing usr/bin/env: %v", err)
	}

	// Merged-/usr shape and overlay wiring.
	joined := strings.Join(args, " ")
	for _, fragment := range []string{
		"--symlink usr/bin /bin",
		"--ro-bind " + provider + " /run/gfx",
		" /overrides",
		"--ro-bind-try " + filepath.Join(host, "etc/hosts") + " /etc/hosts",
	} {
		if !strings.Contains(joined, fragment) {
			t.Errorf("plan missing %q:\n%s", fragment, joined)
		}
	}

	// Captured DRI driver drives the loader environment.
	if v, set, _ := plan.Env("LIBGL_DRIVERS_PATH"); !set || v != "/overrides/lib/x86_64-linux-gnu/dri" {
		t.Errorf("LIBGL_DRIVERS_PATH = %q, set=%v", v, set)
	}
	if _, set, ok := plan.Env("VK_DRIVER_FILES"); !ok || set {
		t.Errorf("VK_DRIVER_FILES should be explicitly unset")
	}
	if v, set, _ := plan.Env("__EGL_VENDOR_LIBRARY_FILENAMES"); !set || v != "/overrides/share/glvnd/egl_vendor.d/50_mesa.json" {
		t.Errorf("__EGL_VENDOR_LIBRARY_FILENAMES = %q", v)
	}

	// While the runtime is held, its copy survives garbage
	// collection; after Close it is reclaimed.
	if err := GarbageCollect(variableDir, "", r.logger); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if _, err := os.Stat(copyUsr); err != nil {
		t.Fatalf("locked copy was collected: %v", err)
	}
	r.Close()
	if err := GarbageCollect(variableDir, "", slog.Default()); err != nil {
		t.Fatalf("GarbageCollect after Close: %v", err)
	}
	if exists(filepath.Dir(copyUsr)) {
		t.Error("released copy survived garbage collection")
	}
}

func TestSetupPlainReadOnly(t *testing.T) {
	source := t.TempDir()
	writeFiles(t, source, map[string]string{
		"usr/bin/env": "#!/bin/sh\n",
	})
	variableDir := t.TempDir()

	r, err := New(Config{
		Source:        source,
		VariableDir:   variableDir,
		ProviderPaths: []string{t.TempDir()},
		RealRoot:      t.TempDir(),
		CaptureHelper: fakeCaptureHelper(t),
		SingleThread:  true,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	plan, err := r.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	args := plan.Args()
	usrIndex := slices.Index(args, "/usr")
	if usrIndex < 2 || args[usrIndex-2] != "--ro-bind" {
		t.Errorf("want read-only /usr bind, got %v", args)
	}
	if args[usrIndex-1] != filepath.Join(source, "usr") {
		t.Errorf("/usr bound from %q, want the source in place", args[usrIndex-1])
	}

	// No mutable copy means no tmp- directory was created.
	entries, err := os.ReadDir(variableDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tempPrefix) {
			t.Errorf("unexpected temporary copy %q", entry.Name())
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{VariableDir: "/tmp", CaptureHelper: "x"}); err == nil {
		t.Error("want error for missing source")
	}
	if _, err := New(Config{Source: "/srv/rt", CaptureHelper: "x"}); err == nil {
		t.Error("want error for missing variable directory")
	}
	if _, err := New(Config{Source: "/srv/rt", VariableDir: "/tmp"}); err == nil {
		t.Error("want error for missing capture helper")
	}
}
