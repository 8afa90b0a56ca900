// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caisson.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /srv/caisson
runtime:
  source: /srv/runtimes/soldier.tar.gz
  mutable: true
graphics:
  providers: ["/", "/srv/gfx-overlay"]
  single_thread: true
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/srv/caisson" {
		t.Errorf("Paths.Root = %q", cfg.Paths.Root)
	}
	if cfg.Runtime.Source != "/srv/runtimes/soldier.tar.gz" || !cfg.Runtime.Mutable {
		t.Errorf("Runtime = %+v", cfg.Runtime)
	}
	if len(cfg.Graphics.Providers) != 2 || !cfg.Graphics.SingleThread {
		t.Errorf("Graphics = %+v", cfg.Graphics)
	}
	// Defaults survive a partial file.
	if cfg.Runtime.ArchiveTool != "tar" {
		t.Errorf("ArchiveTool = %q, want tar", cfg.Runtime.ArchiveTool)
	}
	if cfg.Graphics.RealRoot != "/" {
		t.Errorf("RealRoot = %q, want /", cfg.Graphics.RealRoot)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("RUNTIME_DIR", "")
	path := writeConfig(t, `
paths:
  root: /srv/caisson
  variable: ${CAISSON_ROOT}/var
runtime:
  source: ${RUNTIME_DIR:-/srv/runtimes}/soldier
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Variable != "/srv/caisson/var" {
		t.Errorf("Paths.Variable = %q", cfg.Paths.Variable)
	}
	if cfg.Runtime.Source != "/srv/runtimes/soldier" {
		t.Errorf("Runtime.Source = %q", cfg.Runtime.Source)
	}
}

func TestLoadRequiresEnvVariable(t *testing.T) {
	t.Setenv("CAISSON_CONFIG", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CAISSON_CONFIG") {
		t.Errorf("Load without CAISSON_CONFIG: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Source = "/srv/runtime"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Runtime.Source = ""
	cfg.Paths.Variable = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("want validation errors")
	}
	for _, want := range []string{"runtime.source", "paths.variable"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestCaptureHelperDefault(t *testing.T) {
	cfg := Default()
	cfg.Paths.Bin = "/opt/caisson/bin"
	if got := cfg.CaptureHelper(); got != "/opt/caisson/bin/caisson-capture-libs" {
		t.Errorf("CaptureHelper() = %q", got)
	}
	cfg.Graphics.CaptureHelper = "/usr/local/bin/capture"
	if got := cfg.CaptureHelper(); got != "/usr/local/bin/capture" {
		t.Errorf("CaptureHelper() = %q", got)
	}
}
