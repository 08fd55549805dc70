// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
)

// ErrFrameTooLarge is returned by FrameLimit.Read once a frame has
// used up its byte allowance.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameLimit caps the bytes a stream decoder may read for one frame.
// Call Reset before decoding each frame. Unlike io.LimitReader it
// reports the overrun as an error rather than EOF, so a caller can
// tell an oversized frame from a peer that hung up.
type FrameLimit struct {
	reader    io.Reader
	remaining int64
	hitLimit  bool
}

// NewFrameLimit wraps r. The allowance is zero until Reset is called.
func NewFrameLimit(r io.Reader) *FrameLimit {
	return &FrameLimit{reader: r}
}

// Reset starts a new frame with an allowance of limit bytes.
func (l *FrameLimit) Reset(limit int64) {
	l.remaining = limit
	l.hitLimit = false
}

// Exceeded reports whether the current frame ran past its allowance.
func (l *FrameLimit) Exceeded() bool { return l.hitLimit }

func (l *FrameLimit) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		l.hitLimit = true
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}
