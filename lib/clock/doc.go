// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Components that bound waits (the collective channel's timeouts, the
// TCP join deadline) or stamp times (graph replacement, request
// latency) take a Clock instead of calling the time package directly.
// Production code passes Real(); tests pass Fake() and drive time
// with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go func() { done <- channel.WaitAll(ctx, handles) }()
//	c.WaitForTimers(1)          // the wait has armed its timeout
//	c.Advance(31 * time.Second) // fire it deterministically
package clock
