// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"io"
	"log/slog"
	"os"
)

// Logger returns a logger for components under test. Output is
// discarded unless AMI_TEST_LOGS=true, in which case debug-level text
// goes to stderr.
func Logger() *slog.Logger {
	if os.Getenv("AMI_TEST_LOGS") == "true" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
