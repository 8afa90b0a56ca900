// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Caisson.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Runtime configures the container runtime source.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Graphics configures driver capture.
	Graphics GraphicsConfig `yaml:"graphics"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Caisson data.
	Root string `yaml:"root"`

	// Variable holds unpacked runtime deployments and mutable
	// copies. Garbage collection operates here.
	Variable string `yaml:"variable"`

	// Bin is where Caisson's helper binaries are installed. This
	// provides hermetic helper paths independent of user PATH.
	Bin string `yaml:"bin"`
}

// RuntimeConfig configures the container runtime source.
type RuntimeConfig struct {
	// Source is the runtime archive or deployment directory.
	Source string `yaml:"source"`

	// ID overrides the identity derived from archive metadata.
	ID string `yaml:"id"`

	// Mutable forces a private writable copy of the runtime.
	Mutable bool `yaml:"mutable"`

	// ArchiveTool is the extractor binary. Default: tar.
	ArchiveTool string `yaml:"archive_tool"`
}

// GraphicsConfig configures driver capture.
type GraphicsConfig struct {
	// Providers are the filesystems drivers are imported from,
	// highest priority first. Default: the real root.
	Providers []string `yaml:"providers"`

	// RealRoot is the host's real root filesystem. Configurable so a
	// path-rewriting emulation layer can be bypassed explicitly.
	// Default: /.
	RealRoot string `yaml:"real_root"`

	// CaptureHelper overrides the caisson-capture-libs path. Empty
	// means <paths.bin>/caisson-capture-libs.
	CaptureHelper string `yaml:"capture_helper"`

	// SingleThread disables the background enumeration workers.
	SingleThread bool `yaml:"single_thread"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible zero-value before the file is merged in;
// the config file remains the source of truth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "caisson")

	return &Config{
		Paths: PathsConfig{
			Root:     defaultRoot,
			Variable: filepath.Join(defaultRoot, "var"),
			Bin:      filepath.Join(defaultRoot, "bin"),
		},
		Runtime: RuntimeConfig{
			ArchiveTool: "tar",
		},
		Graphics: GraphicsConfig{
			RealRoot: "/",
		},
	}
}

// Load loads configuration from the CAISSON_CONFIG environment
// variable. There are no fallbacks: if CAISSON_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	path := os.Getenv("CAISSON_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CAISSON_CONFIG environment variable not set; " +
			"set it to the path of your caisson.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path on top of
// the defaults and expands ${VAR} references in path values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${CAISSON_ROOT}, ${HOME} and environment
// references in every path-valued field.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CAISSON_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CAISSON_ROOT"] = c.Paths.Root // dependent paths see the expansion

	c.Paths.Variable = expandVars(c.Paths.Variable, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Runtime.Source = expandVars(c.Runtime.Source, vars)
	c.Graphics.CaptureHelper = expandVars(c.Graphics.CaptureHelper, vars)
	c.Graphics.RealRoot = expandVars(c.Graphics.RealRoot, vars)
	for i, p := range c.Graphics.Providers {
		c.Graphics.Providers[i] = expandVars(p, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Variable == "" {
		errs = append(errs, fmt.Errorf("paths.variable is required"))
	}
	if c.Runtime.Source == "" {
		errs = append(errs, fmt.Errorf("runtime.source is required"))
	}
	if c.Graphics.RealRoot == "" {
		errs = append(errs, fmt.Errorf("graphics.real_root is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CaptureHelper returns the capture helper path, defaulting to the
// hermetic copy under paths.bin.
func (c *Config) CaptureHelper() string {
	if c.Graphics.CaptureHelper != "" {
		return c.Graphics.CaptureHelper
	}
	return filepath.Join(c.Paths.Bin, "caisson-capture-libs")
}
