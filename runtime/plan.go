// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"sort"
)

// BindPlan is the ordered set of filesystem and environment
// directives handed to the sandbox-launch helper. Filesystem
// directives keep their insertion order (later mounts may shadow
// earlier ones, which emission relies on); environment directives are
// last-wins per variable, and every variable the plan touches is
// either set to a computed value or explicitly unset — never left to
// leak in from the caller's environment.
type BindPlan struct {
	ops []planOp
	env map[string]*string
}

type planOpKind int

const (
	opBind planOpKind = iota
	opSymlink
	opTmpfs
	opDir
)

type planOp struct {
	kind planOpKind

	// bind
	source   string
	dest     string
	readOnly bool
	optional bool
	device   bool

	// symlink
	target string
}

// NewBindPlan returns an empty plan.
func NewBindPlan() *BindPlan {
	return &BindPlan{env: make(map[string]*string)}
}

// Bind adds a read-write bind mount.
func (p *BindPlan) Bind(source, dest string) {
	p.ops = append(p.ops, planOp{kind: opBind, source: source, dest: dest})
}

// RoBind adds a read-only bind mount.
func (p *BindPlan) RoBind(source, dest string) {
	p.ops = append(p.ops, planOp{kind: opBind, source: source, dest: dest, readOnly: true})
}

// OptionalRoBind adds a read-only bind mount that is skipped by the
// launcher when the source does not exist.
func (p *BindPlan) OptionalRoBind(source, dest string) {
	p.ops = append(p.ops, planOp{kind: opBind, source: source, dest: dest, readOnly: true, optional: true})
}

// DevBind adds a device-capable bind mount.
func (p *BindPlan) DevBind(source, dest string) {
	p.ops = append(p.ops, planOp{kind: opBind, source: source, dest: dest, device: true})
}

// Symlink adds a symlink creation directive.
func (p *BindPlan) Symlink(target, dest string) {
	p.ops = append(p.ops, planOp{kind: opSymlink, target: target, dest: dest})
}

// Tmpfs mounts a fresh tmpfs at dest.
func (p *BindPlan) Tmpfs(dest string) {
	p.ops = append(p.ops, planOp{kind: opTmpfs, dest: dest})
}

// Dir creates a directory inside the container.
func (p *BindPlan) Dir(dest string) {
	p.ops = append(p.ops, planOp{kind: opDir, dest: dest})
}

// SetEnv sets an environment variable inside the container.
func (p *BindPlan) SetEnv(name, value string) {
	v := value
	p.env[name] = &v
}

// UnsetEnv removes an environment variable inside the container.
// Explicit unsetting is how the plan guarantees no stale search paths
// survive from outside.
func (p *BindPlan) UnsetEnv(name string) {
	p.env[name] = nil
}

// Env returns the value of a variable in the plan, with ok reporting
// whether the plan touches it at all and set whether it is assigned
// (as opposed to explicitly unset).
func (p *BindPlan) Env(name string) (value string, set, ok bool) {
	v, ok := p.env[name]
	if !ok || v == nil {
		return "", false, ok
	}
	return *v, true, true
}

// Args renders the plan as the launcher's bwrap-style argument
// vector: filesystem directives in insertion order, then environment
// directives sorted by variable name for reproducible output.
func (p *BindPlan) Args() []string {
	var args []string
	for _, op := range p.ops {
		switch op.kind {
		case opBind:
			flag := "--bind"
			switch {
			case op.device:
				flag = "--dev-bind"
			case op.readOnly && op.optional:
				flag = "--ro-bind-try"
			case op.readOnly:
				flag = "--ro-bind"
			case op.optional:
				flag = "--bind-try"
			}
			args = append(args, flag, op.source, op.dest)
		case opSymlink:
			args = append(args, "--symlink", op.target, op.dest)
		case opTmpfs:
			args = append(args, "--tmpfs", op.dest)
		case opDir:
			args = append(args, "--dir", op.dest)
		}
	}

	names := make([]string, 0, len(p.env))
	for name := range p.env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if value := p.env[name]; value != nil {
			args = append(args, "--setenv", name, *value)
		} else {
			args = append(args, "--unsetenv", name)
		}
	}
	return args
}

// String renders the plan for logging and dry runs.
func (p *BindPlan) String() string {
	return fmt.Sprintf("%d filesystem ops, %d environment ops", len(p.ops), len(p.env))
}
