// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entry-point helpers for the AMI binaries:
// reporting a fatal error to stderr before (or instead of) the
// structured logger, and choosing the exit code.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// exitCoder is implemented by errors that carry their own exit code,
// such as the client's usage errors.
type exitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. The exit code is 1
// unless err carries its own code.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes err to w and returns the exit code Fatal would use.
// Errors carrying an exit code of their own are not printed: the
// command has already written its output.
func report(w io.Writer, err error) int {
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
