// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ChannelFDEnv is the environment variable carrying the inherited
// channel descriptor number to a child process. The launcher sets it
// when an endpoint is transferred through the child's file table; the
// child recovers the endpoint with RecoverPassedEndpoint.
const ChannelFDEnv = "CONDUIT_CHANNEL_FD"

// Channel is a connected transport endpoint pair. The local half stays
// with the creator; the remote half is intended for transfer to a child
// process. Both halves are created atomically by NewChannel.
type Channel struct {
	local  *Endpoint
	remote *Endpoint
}

// NewChannel creates a connected SOCK_SEQPACKET socketpair and wraps
// the two halves as endpoints. Both descriptors are close-on-exec; the
// launcher clears the flag only on the descriptor it deliberately
// passes to a child.
func NewChannel() (*Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: creating socketpair: %w", ErrTransportCreation, err)
	}
	return &Channel{
		local:  NewEndpoint(NewHandle(fds[0])),
		remote: NewEndpoint(NewHandle(fds[1])),
	}, nil
}

// TakeLocalEndpoint consumes and returns the half retained by the
// creating process.
func (c *Channel) TakeLocalEndpoint() *Endpoint {
	local := c.local
	c.local = nil
	return local
}

// TakeRemoteEndpoint consumes and returns the half intended for the
// child process.
func (c *Channel) TakeRemoteEndpoint() *Endpoint {
	remote := c.remote
	c.remote = nil
	return remote
}

// RemoteProcessLaunchAttempted closes the remote half if it is still
// held. Call after the spawn attempt, successful or not: once the child
// owns its copy (or the spawn failed), a retained parent-side duplicate
// would keep the channel from ever reporting closure.
func (c *Channel) RemoteProcessLaunchAttempted() {
	if c.remote != nil {
		c.remote.Close()
		c.remote = nil
	}
}

// Close releases both halves, if still held. Idempotent.
func (c *Channel) Close() {
	if c.local != nil {
		c.local.Close()
		c.local = nil
	}
	if c.remote != nil {
		c.remote.Close()
		c.remote = nil
	}
}

// RecoverPassedEndpoint reconstructs the transport endpoint inherited
// from the parent process, using the descriptor number in the
// CONDUIT_CHANNEL_FD environment variable. Returns an error if the
// variable is unset or malformed — a harness-launched child without a
// recoverable endpoint is misconfigured, not a transient condition.
func RecoverPassedEndpoint() (*Endpoint, error) {
	value := os.Getenv(ChannelFDEnv)
	if value == "" {
		return nil, fmt.Errorf("%s not set; no channel endpoint was passed to this process", ChannelFDEnv)
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%s contains invalid descriptor %q", ChannelFDEnv, value)
	}
	// The inherited descriptor is not close-on-exec (it survived the
	// exec to get here). Restore the flag so it does not leak into any
	// grandchildren this process spawns.
	unix.CloseOnExec(fd)
	return NewEndpoint(NewHandle(fd)), nil
}
