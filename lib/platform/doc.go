// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform provides the raw transport primitives that the
// invitation handshake is bootstrapped over: owned file descriptors
// ([Handle]), one half of a connected socketpair ([Endpoint]), and the
// pair itself ([Channel]).
//
// Ownership is strict: a Handle or Endpoint has exactly one logical
// owner at a time, and every transfer consumes the source. Go cannot
// enforce move semantics at compile time, so consumption is checked at
// runtime — using a consumed value returns [ErrConsumed] rather than
// silently operating on a stale descriptor. Close is idempotent; a
// consumed or already-closed value is never double-closed at the OS
// level.
//
// Channels are SOCK_SEQPACKET Unix socketpairs: connection-oriented
// like a stream socket, but with kernel-preserved message boundaries.
// The invitation handshake relies on this — a single sendmsg carrying
// the handshake header and its SCM_RIGHTS descriptors arrives as a
// single recvmsg on the other side.
//
// This package is Linux-only, like the rest of the repository.
package platform
