// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conduit-launch spawns a conduit-aware child process, establishes the
// invitation handshake with it, and bridges the parent's stdin/stdout
// to the child's primordial pipe: each input line becomes one message,
// each received message becomes one output line. It exits with the
// child's exit code.
//
//	conduit-launch [flags] -- <child-binary> [child args...]
//
// With --named the transport is a rendezvous socket instead of an
// inherited descriptor, exercising the same path a child takes when it
// cannot inherit handles from its parent.
package main
