// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/testutil"
)

func TestReplyErrorMessage(t *testing.T) {
	withReason := &ReplyError{Command: "feature:x", Status: StatusError, Reason: "feature \"x\" not found"}
	if got := withReason.Error(); got != `manager replied error to "feature:x": feature "x" not found` {
		t.Errorf("Error() = %q", got)
	}
	bare := &ReplyError{Command: "bogus", Status: StatusError}
	if got := bare.Error(); got != `manager replied error to "bogus"` {
		t.Errorf("Error() = %q", got)
	}
}

// TestClientBrokenAfterConnectionLoss checks that a client whose
// server went away fails every later call without hanging.
func TestClientBrokenAfterConnectionLoss(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		// Read one request, then hang up without replying.
		var request Request
		codec.NewDecoder(conn).Decode(&request)
		conn.Close()
		close(accepted)
	}()

	client, err := Dial(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.GetGraph(context.Background()); err == nil {
		t.Fatal("GetGraph succeeded against a server that hung up")
	}
	testutil.RequireClosed(t, accepted, 5*time.Second, "server goroutine")

	if _, err := client.GetGraph(context.Background()); !errors.Is(err, errBroken) {
		t.Fatalf("second call: got %v, want errBroken", err)
	}
}

func TestClientCallHonorsContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	// A server that accepts and never answers.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	client, err := Dial(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.GetFeatures(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetFeatures: got %v, want context.DeadlineExceeded", err)
	}
}

func TestSetGraphRequiresGraph(t *testing.T) {
	client := &Client{}
	if err := client.SetGraph(context.Background(), nil); err == nil {
		t.Fatal("SetGraph(nil) succeeded")
	}
}
