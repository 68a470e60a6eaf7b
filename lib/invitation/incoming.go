// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package invitation

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conduit/lib/codec"
	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
)

// ErrAcceptFailed wraps handshake failures on the accepting side: an
// invalid transport, a channel closed before the handshake arrived, or
// corrupt handshake data. Never silently defaulted — a child that
// cannot accept has no pipes.
var ErrAcceptFailed = errors.New("invitation accept failed")

// ErrUnknownPipeName is returned when extracting a name the sender
// never attached.
var ErrUnknownPipeName = errors.New("unknown pipe name in invitation")

// ErrAlreadyExtracted is returned on a second extraction of the same
// name. A contract violation: each pipe has exactly one owner.
var ErrAlreadyExtracted = errors.New("pipe already extracted from invitation")

// pendingPipe is a received-but-unextracted pipe attachment.
type pendingPipe struct {
	handle    *platform.Handle
	extracted bool
}

// Incoming is the child side of an invitation: the set of named pipe
// descriptors received in the handshake, each extractable exactly
// once.
type Incoming struct {
	id      string
	pending map[string]*pendingPipe
}

// Accept consumes the transport endpoint, waits up to timeout
// (unbounded when zero) for the handshake message, and returns the
// received invitation. The transport is closed before returning — its
// only job was to carry the handshake.
func Accept(endpoint *platform.Endpoint, timeout time.Duration) (*Incoming, error) {
	handle, err := endpoint.TakeHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
	}
	fd, err := handle.Take()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
	}
	defer unix.Close(fd)

	if err := waitReadable(fd, timeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
	}

	header := make([]byte, maxHeaderSize)
	oob := make([]byte, unix.CmsgSpace(maxTransferredFDs*4))
	n, oobn, _, err := recvmsg(fd, header, oob)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake recvmsg: %w", ErrAcceptFailed, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: channel closed before handshake arrived", ErrAcceptFailed)
	}

	receivedFDs, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err)
	}

	var decoded wireHeader
	if err := codec.Unmarshal(header[:n], &decoded); err != nil {
		closeAll(receivedFDs)
		return nil, fmt.Errorf("%w: corrupt handshake header: %w", ErrAcceptFailed, err)
	}
	if decoded.Version != wireVersion {
		closeAll(receivedFDs)
		return nil, fmt.Errorf("%w: unsupported handshake version %d", ErrAcceptFailed, decoded.Version)
	}
	if len(receivedFDs) != len(decoded.Pipes) {
		closeAll(receivedFDs)
		return nil, fmt.Errorf("%w: header names %d pipes but %d descriptors arrived",
			ErrAcceptFailed, len(decoded.Pipes), len(receivedFDs))
	}

	pending := make(map[string]*pendingPipe, len(decoded.Pipes))
	for i, name := range decoded.Pipes {
		if _, exists := pending[name]; exists {
			closeAll(receivedFDs)
			return nil, fmt.Errorf("%w: duplicate pipe name %q in header", ErrAcceptFailed, name)
		}
		pending[name] = &pendingPipe{handle: platform.NewHandle(receivedFDs[i])}
	}

	return &Incoming{id: decoded.ID, pending: pending}, nil
}

// ID returns the sender-assigned invitation identifier.
func (in *Incoming) ID() string {
	return in.id
}

// PipeNames returns the names attached to this invitation, including
// already-extracted ones.
func (in *Incoming) PipeNames() []string {
	names := make([]string, 0, len(in.pending))
	for name := range in.pending {
		names = append(names, name)
	}
	return names
}

// ExtractMessagePipe resolves an attached name to its pipe. Each name
// may be extracted at most once.
func (in *Incoming) ExtractMessagePipe(name string) (*pipe.Pipe, error) {
	entry, exists := in.pending[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeName, name)
	}
	if entry.extracted {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExtracted, name)
	}
	entry.extracted = true
	p, err := pipe.FromHandle(entry.handle)
	if err != nil {
		return nil, fmt.Errorf("resolving pipe %q: %w", name, err)
	}
	return p, nil
}

// Close releases any received pipes that were never extracted.
func (in *Incoming) Close() {
	for _, entry := range in.pending {
		if !entry.extracted {
			entry.handle.Close()
		}
	}
}

// waitReadable blocks until fd has data, bounded by timeout (unbounded
// when timeout is zero).
func waitReadable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		waitMillis := -1
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.New("timed out waiting for handshake")
			}
			waitMillis = int(remaining.Milliseconds()) + 1
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, waitMillis)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling transport: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// recvmsg wraps unix.Recvmsg with EINTR retry and close-on-exec on the
// received descriptors.
func recvmsg(fd int, buffer, oob []byte) (n, oobn, flags int, err error) {
	for {
		n, oobn, flags, _, err = unix.Recvmsg(fd, buffer, oob, unix.MSG_CMSG_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, oobn, flags, err
	}
}

// parseRights extracts the transferred descriptors from ancillary
// data. An empty ancillary buffer yields no descriptors.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control messages: %w", err)
	}
	var fds []int
	for _, message := range messages {
		parsed, err := unix.ParseUnixRights(&message)
		if err != nil {
			return nil, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}
