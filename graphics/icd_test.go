// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseDescriptionEGL(t *testing.T) {
	data := []byte(`{
    "file_format_version" : "1.0.0",
    "ICD" : {
        "library_path" : "libEGL_mesa.so.0"
    }
}`)
	d, err := ParseDescription(data, EGLICD)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if d.LibraryPath != "libEGL_mesa.so.0" {
		t.Errorf("LibraryPath = %q, want libEGL_mesa.so.0", d.LibraryPath)
	}
	if d.FormatVersion != "1.0.0" {
		t.Errorf("FormatVersion = %q, want 1.0.0", d.FormatVersion)
	}
}

func TestParseDescriptionToleratesComments(t *testing.T) {
	data := []byte(`{
    // Installed by the vendor driver package.
    "file_format_version" : "1.0.1",
    "ICD" : {
        "library_path" : "/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so",
        "api_version" : "1.3.230",
    }
}`)
	d, err := ParseDescription(data, VulkanICD)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if d.APIVersion != "1.3.230" {
		t.Errorf("APIVersion = %q, want 1.3.230", d.APIVersion)
	}
}

func TestParseDescriptionVulkanICDRequiresAPIVersion(t *testing.T) {
	data := []byte(`{
    "file_format_version" : "1.0.0",
    "ICD" : { "library_path" : "libvulkan_intel.so" }
}`)
	if _, err := ParseDescription(data, VulkanICD); err == nil {
		t.Fatal("want error for vulkan ICD without api_version")
	}
}

func TestParseDescriptionRejectsUnsupportedFormat(t *testing.T) {
	for _, version := range []string{"2.0.0", "garbage", ""} {
		data := []byte(`{"file_format_version": "` + version + `", "ICD": {"library_path": "x.so"}}`)
		if _, err := ParseDescription(data, EGLICD); err == nil {
			t.Errorf("file_format_version %q: want error", version)
		}
	}
}

func TestParseDescriptionMetaLayer(t *testing.T) {
	data := []byte(`{
    "file_format_version" : "1.1.1",
    "layer" : {
        "name" : "VK_LAYER_VALVE_steam_overlay_all",
        "component_layers" : ["VK_LAYER_VALVE_steam_overlay_32", "VK_LAYER_VALVE_steam_overlay_64"]
    }
}`)
	d, err := ParseDescription(data, VulkanImplicitLayer)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if !d.MetaLayer {
		t.Error("want MetaLayer for component_layers without library_path")
	}
}

func TestRewritePreservesVendorFields(t *testing.T) {
	data := []byte(`{
    "file_format_version" : "1.0.1",
    "ICD" : {
        "library_path" : "/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so",
        "api_version" : "1.3.230",
        "is_portability_driver" : false
    }
}`)
	d, err := ParseDescription(data, VulkanICD)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	out, err := d.Rewrite("/overrides/lib/x86_64-linux-gnu/libvulkan_radeon.so")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.HasSuffix(string(out), "\n") {
		t.Error("rewritten description must end with a newline")
	}

	var round map[string]any
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("rewritten description is not valid JSON: %v", err)
	}
	icd := round["ICD"].(map[string]any)
	if got := icd["library_path"]; got != "/overrides/lib/x86_64-linux-gnu/libvulkan_radeon.so" {
		t.Errorf("library_path = %v", got)
	}
	if got := icd["api_version"]; got != "1.3.230" {
		t.Errorf("api_version lost: %v", got)
	}
	if _, ok := icd["is_portability_driver"]; !ok {
		t.Error("vendor extension field lost in rewrite")
	}
}
