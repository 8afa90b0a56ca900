// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"slices"
	"testing"
)

func TestBindPlanArgsOrder(t *testing.T) {
	plan := NewBindPlan()
	plan.RoBind("/srv/runtime/usr", "/usr")
	plan.Symlink("usr/bin", "/bin")
	plan.Tmpfs("/run")
	plan.Dir("/etc")
	plan.OptionalRoBind("/etc/hosts", "/etc/hosts")
	plan.DevBind("/dev/dri", "/dev/dri")
	plan.Bind("/tmp/copy", "/var")

	want := []string{
		"--ro-bind", "/srv/runtime/usr", "/usr",
		"--symlink", "usr/bin", "/bin",
		"--tmpfs", "/run",
		"--dir", "/etc",
		"--ro-bind-try", "/etc/hosts", "/etc/hosts",
		"--dev-bind", "/dev/dri", "/dev/dri",
		"--bind", "/tmp/copy", "/var",
	}
	if got := plan.Args(); !slices.Equal(got, want) {
		t.Errorf("Args() = %v\nwant %v", got, want)
	}
}

func TestBindPlanEnvLastWinsAndSorted(t *testing.T) {
	plan := NewBindPlan()
	plan.SetEnv("ZEBRA", "1")
	plan.SetEnv("ALPHA", "first")
	plan.SetEnv("ALPHA", "second")
	plan.UnsetEnv("MIDDLE")

	want := []string{
		"--setenv", "ALPHA", "second",
		"--unsetenv", "MIDDLE",
		"--setenv", "ZEBRA", "1",
	}
	if got := plan.Args(); !slices.Equal(got, want) {
		t.Errorf("Args() = %v\nwant %v", got, want)
	}
}

func TestBindPlanEnvQuery(t *testing.T) {
	plan := NewBindPlan()
	plan.SetEnv("SET", "value")
	plan.UnsetEnv("UNSET")

	if v, set, ok := plan.Env("SET"); !ok || !set || v != "value" {
		t.Errorf("Env(SET) = %q, %v, %v", v, set, ok)
	}
	if _, set, ok := plan.Env("UNSET"); !ok || set {
		t.Errorf("Env(UNSET) = set=%v ok=%v, want unset but touched", set, ok)
	}
	if _, _, ok := plan.Env("NEVER"); ok {
		t.Error("Env(NEVER) claims the plan touches an unknown variable")
	}
}

func TestBindPlanUnsetThenSet(t *testing.T) {
	plan := NewBindPlan()
	plan.UnsetEnv("PATH_VAR")
	plan.SetEnv("PATH_VAR", "/overrides/lib")
	if v, set, _ := plan.Env("PATH_VAR"); !set || v != "/overrides/lib" {
		t.Errorf("Env(PATH_VAR) = %q, set=%v", v, set)
	}
}
