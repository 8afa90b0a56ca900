// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Description is a parsed driver-description JSON file (a
// Khronos/GLVND-style loader manifest). Beyond the few fields the
// capture algorithm reads, the document is kept as-is so a rewrite
// preserves every vendor extension field untouched.
type Description struct {
	raw  map[string]any
	kind ModuleKind

	FormatVersion string
	LibraryPath   string
	APIVersion    string
	MetaLayer     bool
}

// descriptionKey returns the JSON key holding the module body for a
// described kind.
func descriptionKey(kind ModuleKind) string {
	switch kind {
	case VulkanExplicitLayer, VulkanImplicitLayer:
		return "layer"
	default:
		return "ICD"
	}
}

// ParseDescription parses a driver description. The input may carry
// comments or trailing commas (some vendors ship them); it is
// normalized to strict JSON before decoding.
func ParseDescription(data []byte, kind ModuleKind) (*Description, error) {
	var raw map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing %s description: %w", kind, err)
	}

	d := &Description{raw: raw, kind: kind}

	version, _ := raw["file_format_version"].(string)
	if version == "" {
		return nil, fmt.Errorf("%s description has no file_format_version", kind)
	}
	major, _, _ := strings.Cut(version, ".")
	if n, err := strconv.Atoi(major); err != nil || n != 1 {
		return nil, fmt.Errorf("%s description has unsupported file_format_version %q", kind, version)
	}
	d.FormatVersion = version

	body, ok := raw[descriptionKey(kind)].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s description has no %q object", kind, descriptionKey(kind))
	}

	d.LibraryPath, _ = body["library_path"].(string)
	d.APIVersion, _ = body["api_version"].(string)

	if _, hasComponents := body["component_layers"]; hasComponents && d.LibraryPath == "" {
		d.MetaLayer = true
	}
	if d.LibraryPath == "" && !d.MetaLayer {
		return nil, fmt.Errorf("%s description has no library_path", kind)
	}

	if d.kind == VulkanICD && d.APIVersion == "" {
		return nil, fmt.Errorf("vulkan ICD description has no api_version")
	}
	return d, nil
}

// Rewrite serializes the description with its library reference
// replaced by containerPath, leaving every other field as parsed.
func (d *Description) Rewrite(containerPath string) ([]byte, error) {
	body, ok := d.raw[descriptionKey(d.kind)].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s description lost its body", d.kind)
	}
	body["library_path"] = containerPath

	out, err := json.MarshalIndent(d.raw, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("serializing %s description: %w", d.kind, err)
	}
	return append(out, '\n'), nil
}
