// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer implements the non-brokered fallback connection mode:
// exactly one logical pipe per connection, no naming, no invitation
// handshake. For two-party scenarios where the full named-pipe
// invitation machinery is more than the job needs, the transport
// endpoint simply becomes the pipe.
package peer

import (
	"errors"
	"net"
	"time"

	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
)

// ConnectionParams describes the transport for a peer connection.
// Exactly one of Endpoint or ServerEndpoint must be set.
type ConnectionParams struct {
	// Endpoint is a connected transport endpoint (one half of a
	// channel pair, or a client connection to a rendezvous name).
	// Consumed by Connect.
	Endpoint *platform.Endpoint

	// ServerEndpoint is a listening rendezvous endpoint. The returned
	// pipe is valid immediately but defers the connection handshake:
	// the single client is accepted lazily, on the pipe's first read
	// or write. Consumed by Connect.
	ServerEndpoint *rendezvous.ServerEndpoint

	// AcceptTimeout bounds the deferred accept for ServerEndpoint
	// connections. Zero means no bound.
	AcceptTimeout time.Duration
}

// Connect establishes a peer connection and returns its single pipe.
func Connect(params ConnectionParams) (*pipe.Pipe, error) {
	switch {
	case params.Endpoint != nil && params.ServerEndpoint != nil:
		return nil, errors.New("peer connection given both a direct and a server endpoint")

	case params.Endpoint != nil:
		return pipe.FromEndpoint(params.Endpoint)

	case params.ServerEndpoint != nil:
		server := params.ServerEndpoint
		timeout := params.AcceptTimeout
		dial := func() (*net.UnixConn, error) {
			return server.AcceptConn(timeout)
		}
		return pipe.NewDeferred(dial, server.Close), nil

	default:
		return nil, errors.New("peer connection given no transport endpoint")
	}
}
