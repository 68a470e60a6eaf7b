// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
)

// Endpoint is one half of a bidirectional transport channel. It owns
// exactly one descriptor and follows the same consume-once discipline
// as Handle: handing the endpoint to a launcher, an invitation, or a
// peer connection takes ownership, and the source is invalid afterward.
type Endpoint struct {
	handle *Handle
}

// NewEndpoint wraps an owned descriptor handle in an Endpoint.
func NewEndpoint(handle *Handle) *Endpoint {
	return &Endpoint{handle: handle}
}

// Valid reports whether the endpoint still owns its descriptor.
func (e *Endpoint) Valid() bool {
	return e != nil && e.handle.Valid()
}

// TakeHandle consumes the endpoint and returns the owned handle.
// Returns ErrConsumed if the endpoint was already taken or closed.
func (e *Endpoint) TakeHandle() (*Handle, error) {
	if !e.Valid() {
		return nil, ErrConsumed
	}
	handle := e.handle
	e.handle = nil
	return handle, nil
}

// TakeFile consumes the endpoint and returns its descriptor as an
// *os.File, ready to be placed in a child's inherited file table.
func (e *Endpoint) TakeFile(name string) (*os.File, error) {
	handle, err := e.TakeHandle()
	if err != nil {
		return nil, err
	}
	return handle.TakeFile(name)
}

// Close releases the endpoint's descriptor. Idempotent.
func (e *Endpoint) Close() error {
	if e == nil || e.handle == nil {
		return nil
	}
	handle := e.handle
	e.handle = nil
	return handle.Close()
}
