// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrConsumed is returned when a Handle or Endpoint is used after its
// descriptor has been taken or closed. This is a caller bug: ownership
// transfers exactly once, and the source must not be touched afterward.
var ErrConsumed = errors.New("platform handle already consumed")

// ErrTransportCreation wraps OS resource failures creating a transport
// (a socketpair or a rendezvous socket). Fatal to the launch attempt;
// never retried here.
var ErrTransportCreation = errors.New("transport creation failed")

// Handle owns a single file descriptor. The zero value is invalid;
// create handles with NewHandle or receive them from an endpoint or an
// accepted invitation.
type Handle struct {
	fd int
}

// NewHandle wraps fd in an owning Handle. The caller must not close or
// otherwise use fd directly afterward.
func NewHandle(fd int) *Handle {
	return &Handle{fd: fd}
}

// Valid reports whether the handle still owns a descriptor.
func (h *Handle) Valid() bool {
	return h != nil && h.fd >= 0
}

// FD returns the underlying descriptor without transferring ownership.
// The caller must not close it. Returns -1 if the handle is consumed.
func (h *Handle) FD() int {
	if !h.Valid() {
		return -1
	}
	return h.fd
}

// Take consumes the handle and returns the raw descriptor. The caller
// becomes the owner. A second Take, or any use after Take, returns
// ErrConsumed.
func (h *Handle) Take() (int, error) {
	if !h.Valid() {
		return -1, ErrConsumed
	}
	fd := h.fd
	h.fd = -1
	return fd, nil
}

// TakeFile consumes the handle and returns it as an *os.File with the
// given name. The file owns the descriptor from this point on.
func (h *Handle) TakeFile(name string) (*os.File, error) {
	fd, err := h.Take()
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Close releases the descriptor. Idempotent: closing a consumed or
// already-closed handle is a no-op, never a double-close at the OS
// level.
func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	fd := h.fd
	h.fd = -1
	return unix.Close(fd)
}
