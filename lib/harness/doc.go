// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package harness drives the bootstrap lifecycle end to end: create a
// transport, launch a child process with one end of it, send an
// invitation (or establish a peer connection), hand the resulting pipe
// to the caller, and wait for the child to exit.
//
// A [Helper] moves through a strict state machine:
//
//	Idle → Launching → Running → ShuttingDown → Terminated
//
// Spawn failure aborts the attempt and returns the helper to Idle with
// every prepared descriptor closed. A helper must not be abandoned
// while a child is running; [Helper.Close] enforces this by killing
// and reaping any still-running child.
//
// Four launch modes mirror the four ways a transport can reach the
// child: direct descriptor inheritance or a named rendezvous socket,
// each with either the full named-pipe invitation handshake or the
// lightweight single-pipe peer connection.
//
// The child side recovers its endpoint with [ChildSetup], which reads
// the reserved command-line flags and the CONDUIT_CHANNEL_FD
// environment variable. The recovered pipe is handed to child code in
// an explicit [ChildContext] — there is no process-wide "current
// pipe" slot, so one test process can simulate several children.
//
// For multiprocess tests the package supports the re-exec pattern:
// register child entry points with [RegisterChildMain], then give
// [RunChildMain] first say in TestMain. When the test binary is
// re-executed as a child, RunChildMain performs the bootstrap and
// dispatches to the registered entry point instead of running tests.
package harness
