// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small helpers shared by the manager's socket
// loops.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal end of a
// connection: EOF, a closed connection, a broken pipe, or a reset.
// Clients and workers disconnect at arbitrary points (a dashboard is
// closed, a worker rank exits), and the loops reading from them use
// this to tell those apart from protocol errors worth logging.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
