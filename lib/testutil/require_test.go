// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// recorder captures Fatalf instead of stopping the test.
type recorder struct {
	failed  bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

// capture runs fn and recovers the recorder's panic.
func capture(r *recorder, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil && recovered != r {
			panic(recovered)
		}
	}()
	fn()
}

func TestRequireReceiveValue(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}
}

func TestRequireReceiveTimeout(t *testing.T) {
	r := &recorder{}
	capture(r, func() {
		RequireReceive(r, make(chan int), 10*time.Millisecond, "waiting for %s", "reply")
	})
	if !r.failed {
		t.Fatal("RequireReceive did not fail on timeout")
	}
	if want := "timed out after 10ms: waiting for reply"; r.message != want {
		t.Errorf("message = %q, want %q", r.message, want)
	}
}

func TestRequireReceiveClosed(t *testing.T) {
	r := &recorder{}
	ch := make(chan int)
	close(ch)
	capture(r, func() { RequireReceive(r, ch, time.Second) })
	if !r.failed {
		t.Fatal("RequireReceive did not fail on closed channel")
	}
}

func TestRequireClosed(t *testing.T) {
	ch := make(chan struct{})
	close(ch)
	RequireClosed(t, ch, time.Second, "closed channel")

	r := &recorder{}
	capture(r, func() { RequireClosed(r, make(chan struct{}), 10*time.Millisecond) })
	if !r.failed {
		t.Fatal("RequireClosed did not fail on open channel")
	}
}

func TestRequireSend(t *testing.T) {
	ch := make(chan string, 1)
	RequireSend(t, ch, "ok", time.Second)
	if got := <-ch; got != "ok" {
		t.Errorf("received %q, want ok", got)
	}
}
