// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package invitation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conduit/lib/codec"
	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
)

// ErrDuplicateName is returned when a pipe name is attached twice to
// one invitation. A contract violation: the first registration is
// never silently overwritten.
var ErrDuplicateName = errors.New("pipe name already attached to invitation")

// ErrAlreadySent is returned when an invitation is used after Send. An
// invitation is transient: populated, sent once, and discarded.
var ErrAlreadySent = errors.New("invitation already sent")

// ProcessErrorFunc receives errors detected asynchronously after Send
// has returned: transmission failures, a remote that closed the
// transport before the handshake, a remote that never connected to the
// rendezvous point. It is invoked from the sending goroutine; it must
// not assume any particular calling context.
type ProcessErrorFunc func(error)

// Outgoing is the parent side of an invitation: a set of named pipe
// attachments to be shipped over a transport endpoint.
type Outgoing struct {
	id      uuid.UUID
	names   []string
	remotes []*platform.Handle
	byName  map[string]struct{}
	sent    bool
}

// NewOutgoing creates an empty outgoing invitation.
func NewOutgoing() *Outgoing {
	return &Outgoing{
		id:     uuid.New(),
		byName: make(map[string]struct{}),
	}
}

// ID returns the invitation's unique identifier.
func (o *Outgoing) ID() string {
	return o.id.String()
}

// AttachMessagePipe registers a named pipe and returns its local half
// immediately. The returned pipe is usable right away: writes queue in
// the kernel until the remote side finishes accepting, with no data
// loss and FIFO order preserved. Attaching a name twice returns
// ErrDuplicateName.
func (o *Outgoing) AttachMessagePipe(name string) (*pipe.Pipe, error) {
	if o.sent {
		return nil, ErrAlreadySent
	}
	if name == "" {
		return nil, errors.New("empty pipe name")
	}
	if _, exists := o.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	local, remote, err := pipe.NewPair()
	if err != nil {
		return nil, fmt.Errorf("creating pipe %q: %w", name, err)
	}

	o.byName[name] = struct{}{}
	o.names = append(o.names, name)
	o.remotes = append(o.remotes, remote)
	return local, nil
}

// Send consumes the invitation and the transport endpoint and
// transmits the handshake to the remote process. Send returns as soon
// as transmission has been handed off; previously attached local pipes
// are safe to use for writes from that point. Errors detected after
// return are delivered to onProcessError.
func (o *Outgoing) Send(endpoint *platform.Endpoint, onProcessError ProcessErrorFunc) error {
	header, remoteFDs, err := o.consume()
	if err != nil {
		return err
	}
	handle, err := endpoint.TakeHandle()
	if err != nil {
		closeAll(remoteFDs)
		return err
	}
	fd, err := handle.Take()
	if err != nil {
		closeAll(remoteFDs)
		return err
	}

	go func() {
		defer closeAll(remoteFDs)
		defer unix.Close(fd)
		if err := transmit(fd, header, remoteFDs); err != nil {
			reportProcessError(onProcessError, fmt.Errorf("sending invitation %s: %w", o.id, err))
		}
	}()
	return nil
}

// SendToServer is Send for the named-rendezvous transport: it waits
// (up to acceptTimeout, unbounded when zero) for the remote process to
// connect to the server endpoint, then transmits the handshake over
// the accepted connection. The wait happens asynchronously; a child
// that dies before connecting surfaces through onProcessError, not as
// a hung caller.
func (o *Outgoing) SendToServer(server *rendezvous.ServerEndpoint, acceptTimeout time.Duration, onProcessError ProcessErrorFunc) error {
	header, remoteFDs, err := o.consume()
	if err != nil {
		return err
	}
	if !server.Valid() {
		closeAll(remoteFDs)
		return platform.ErrConsumed
	}

	go func() {
		defer closeAll(remoteFDs)
		endpoint, err := server.Accept(acceptTimeout)
		if err != nil {
			reportProcessError(onProcessError, fmt.Errorf("invitation %s: remote never connected: %w", o.id, err))
			return
		}
		handle, err := endpoint.TakeHandle()
		if err != nil {
			reportProcessError(onProcessError, err)
			return
		}
		fd, err := handle.Take()
		if err != nil {
			reportProcessError(onProcessError, err)
			return
		}
		defer unix.Close(fd)
		if err := transmit(fd, header, remoteFDs); err != nil {
			reportProcessError(onProcessError, fmt.Errorf("sending invitation %s: %w", o.id, err))
		}
	}()
	return nil
}

// Close releases the remote halves of any attached pipes that were
// never sent. Safe to call after Send (a no-op by then). The local
// halves belong to the caller and are unaffected.
func (o *Outgoing) Close() {
	if o.sent {
		return
	}
	o.sent = true
	for _, remote := range o.remotes {
		remote.Close()
	}
	o.remotes = nil
}

// consume marks the invitation sent and converts its attachments into
// the encoded header plus the ordered remote descriptor list. From
// this point the descriptors are owned by the sending machinery.
func (o *Outgoing) consume() (header []byte, remoteFDs []int, err error) {
	if o.sent {
		return nil, nil, ErrAlreadySent
	}
	o.sent = true

	if len(o.remotes) > maxTransferredFDs {
		o.closeRemotes()
		return nil, nil, fmt.Errorf("invitation attaches %d pipes, limit %d", len(o.remotes), maxTransferredFDs)
	}

	header, err = codec.Marshal(wireHeader{
		Version: wireVersion,
		ID:      o.id.String(),
		Pipes:   o.names,
	})
	if err != nil {
		o.closeRemotes()
		return nil, nil, fmt.Errorf("encoding invitation header: %w", err)
	}
	if len(header) > maxHeaderSize {
		o.closeRemotes()
		return nil, nil, fmt.Errorf("invitation header size %d exceeds limit %d (too many pipe names?)", len(header), maxHeaderSize)
	}

	remoteFDs = make([]int, len(o.remotes))
	for i, remote := range o.remotes {
		fd, takeErr := remote.Take()
		if takeErr != nil {
			closeAll(remoteFDs[:i])
			return nil, nil, takeErr
		}
		remoteFDs[i] = fd
	}
	o.remotes = nil
	return header, remoteFDs, nil
}

func (o *Outgoing) closeRemotes() {
	for _, remote := range o.remotes {
		remote.Close()
	}
	o.remotes = nil
}

// transmit sends the handshake header and its descriptors as a single
// message. One sendmsg on a seqpacket socket arrives as one recvmsg on
// the other side, so the receiver sees the header and every descriptor
// together or nothing at all.
func transmit(fd int, header []byte, remoteFDs []int) error {
	var rights []byte
	if len(remoteFDs) > 0 {
		rights = unix.UnixRights(remoteFDs...)
	}
	for {
		err := unix.Sendmsg(fd, header, rights, nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("handshake sendmsg: %w", err)
		}
		return nil
	}
}

func reportProcessError(onProcessError ProcessErrorFunc, err error) {
	if onProcessError != nil {
		onProcessError(err)
	}
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
