// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so individual tests never hang
// when a goroutine under test deadlocks. They are the only place in
// the test suite that uses real wall-clock timeouts; everything else
// that depends on time takes a lib/clock fake.
//
// [Logger] returns a quiet structured logger for components under
// test.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
