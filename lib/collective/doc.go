// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package collective provides rank-addressed, tag-disambiguated
// messaging between the manager (rank 0) and a fixed pool of worker
// ranks 1..N-1.
//
// The package has two layers:
//
//   - [Comm] is the transport: blocking point-to-point Send and a
//     receive-from-any-source Receive keyed by [Tag]. Each tag is a
//     separate FIFO mailbox, so graph distribution ([TagGraph]) and
//     feature negotiation ([TagFeature]) can be in use at the same
//     time without one consuming the other's messages.
//     [MemoryWorld] connects in-process communicators for tests and
//     single-process runs. [ListenTCP] and [DialTCP] connect the
//     manager and worker processes over TCP.
//
//   - [Channel] is the manager's view of the pool: FanOutSend to every
//     worker, TargetedSend to one, WaitAll over the resulting
//     [Handle]s, and ReceiveAny for replies. Every wait is bounded by
//     the channel's timeout and reports [ErrTimeout] when it expires.
//
// A completed Handle means the transport accepted the message for
// delivery. It says nothing about whether the worker has processed
// it.
//
// Pool membership is fixed when the communicator is built. The TCP
// hub lets a rank whose connection dropped join again under the same
// rank, but never admits new ranks.
package collective
