// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package invitation implements the bootstrap handshake that turns a
// raw transport endpoint into named message pipes.
//
// The parent builds an [Outgoing] invitation, attaching one or more
// pipes by name. Each attach eagerly creates the local half of a real
// pipe pair and returns it immediately — the caller can start writing
// before the child has even been spawned, and the kernel queues the
// writes until the other half is picked up. Send then ships a single
// handshake message over the transport: a CBOR header naming the
// attached pipes, with the pipes' remote descriptors attached as
// SCM_RIGHTS ancillary data.
//
// The child wraps its inherited (or rendezvous-recovered) endpoint in
// an [Incoming] invitation via [Accept], then resolves pipes by name
// with ExtractMessagePipe. Names exist precisely so multiple pipes can
// be requested and resolved independently, in any order; within one
// pipe, message order is FIFO.
//
// Send never blocks on the remote process: transmission runs
// asynchronously, and failures detected after Send has returned —
// including a child that sends garbage or dies mid-handshake — are
// delivered to the ProcessErrorFunc registered at send time, not
// raised in a caller frame that no longer exists.
package invitation
