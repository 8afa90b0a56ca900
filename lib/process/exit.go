// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Caisson binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode extracts the exit code from an error returned by running a
// subprocess. It returns the child's exit code when err wraps an
// *exec.ExitError, and -1 otherwise. A launcher that wraps a user
// command should exit with the child's code rather than treating a
// nonzero status as its own failure.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
