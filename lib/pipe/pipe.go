// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipe provides the message pipe handle returned by the
// invitation and peer-connection layers: a named, ordered,
// bidirectional channel for application traffic once the bootstrap
// handshake is done.
//
// A pipe is a connected SOCK_SEQPACKET Unix socket. FIFO ordering and
// message boundaries come from the kernel, so this package adds no
// framing of its own — WriteMessage maps to one send, ReadMessage to
// one receive.
package pipe

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conduit/lib/platform"
)

// MaxMessageSize is the largest message a single WriteMessage accepts.
// Reads use a buffer of this size; a seqpacket datagram larger than the
// receive buffer would be silently truncated by the kernel, so the
// limit is enforced at the sending end.
const MaxMessageSize = 64 * 1024

// Pipe is one end of a message pipe. Create pipes with NewPair (for
// the attaching side of an invitation), FromHandle (for the accepting
// side), FromEndpoint, or NewDeferred (for lazily-connected peer
// pipes).
//
// Close may be called concurrently with a blocked read or write; the
// blocked operation fails with the connection's close error.
type Pipe struct {
	resolveOnce sync.Once
	dial        func() (*net.UnixConn, error)
	abort       func() error

	mu      sync.Mutex
	conn    *net.UnixConn
	dialErr error
}

// NewPair creates a connected message pipe pair. The returned Pipe is
// the local end, immediately usable; the returned Handle is the remote
// end as a transferable descriptor, intended to be shipped to another
// process inside an invitation.
func NewPair() (*Pipe, *platform.Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating message pipe socketpair: %w", err)
	}

	local, err := connFromFD(fds[0], "pipe-local")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}

	return fromConn(local), platform.NewHandle(fds[1]), nil
}

// FromHandle consumes a received descriptor handle and wraps it as a
// usable Pipe. Used on the accepting side of an invitation.
func FromHandle(handle *platform.Handle) (*Pipe, error) {
	fd, err := handle.Take()
	if err != nil {
		return nil, err
	}
	conn, err := connFromFD(fd, "pipe-remote")
	if err != nil {
		return nil, err
	}
	return fromConn(conn), nil
}

// FromEndpoint consumes a transport endpoint and wraps it as a Pipe.
// Used by peer connections, where the transport itself carries the
// single logical pipe.
func FromEndpoint(endpoint *platform.Endpoint) (*Pipe, error) {
	handle, err := endpoint.TakeHandle()
	if err != nil {
		return nil, err
	}
	return FromHandle(handle)
}

// NewDeferred creates a pipe whose connection is established lazily on
// first use. dial runs at most once, on the first read or write; abort
// releases dial's resources if the pipe is closed before that. Used
// for server-side peer connections, where the rendezvous point exists
// before any client has connected.
func NewDeferred(dial func() (*net.UnixConn, error), abort func() error) *Pipe {
	return &Pipe{dial: dial, abort: abort}
}

func fromConn(conn *net.UnixConn) *Pipe {
	return &Pipe{conn: conn}
}

// connFromFD converts an owned descriptor into a *net.UnixConn.
// net.FileConn duplicates the descriptor, so the original is closed.
func connFromFD(fd int, name string) (*net.UnixConn, error) {
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("converting %s descriptor to conn: %w", name, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%s descriptor is not a Unix socket", name)
	}
	return unixConn, nil
}

// resolve completes a deferred connection, or is a no-op for pipes
// created already connected, and returns the live conn. Callers
// operate on the returned conn rather than re-reading the field, so a
// concurrent Close cannot pull it out from under them mid-operation.
func (p *Pipe) resolve() (*net.UnixConn, error) {
	p.resolveOnce.Do(func() {
		if p.dial == nil {
			return
		}
		conn, err := p.dial()
		p.mu.Lock()
		p.conn, p.dialErr = conn, err
		p.mu.Unlock()
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	if p.conn == nil {
		return nil, errors.New("pipe is closed")
	}
	return p.conn, nil
}

// WriteMessage sends one message. Messages are delivered in FIFO order
// with boundaries preserved. Empty messages are rejected — a
// zero-length datagram is indistinguishable from peer closure at the
// receiver.
func (p *Pipe) WriteMessage(message []byte) error {
	if len(message) == 0 {
		return errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds limit %d", len(message), MaxMessageSize)
	}
	conn, err := p.resolve()
	if err != nil {
		return err
	}
	if _, err := conn.Write(message); err != nil {
		return fmt.Errorf("writing pipe message: %w", err)
	}
	return nil
}

// ReadMessage receives the next message. Returns io.EOF once the peer
// end has closed and all queued messages have been drained.
func (p *Pipe) ReadMessage() ([]byte, error) {
	conn, err := p.resolve()
	if err != nil {
		return nil, err
	}
	buffer := make([]byte, MaxMessageSize)
	n, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	return buffer[:n], nil
}

// SetDeadline bounds future reads and writes. Forces resolution of a
// deferred connection first, since deadlines apply to the underlying
// socket.
func (p *Pipe) SetDeadline(t time.Time) error {
	conn, err := p.resolve()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

// Close releases the pipe. A deferred pipe closed before first use
// never dials; its abort hook releases the pending rendezvous
// resources instead. Idempotent, and safe to call while another
// goroutine is blocked in ReadMessage or WriteMessage — the blocked
// operation fails once the connection closes.
func (p *Pipe) Close() error {
	var alreadyResolved = true
	p.resolveOnce.Do(func() {
		alreadyResolved = false
		p.mu.Lock()
		p.dialErr = errors.New("pipe closed before connection was established")
		p.mu.Unlock()
	})
	if !alreadyResolved {
		if p.abort != nil {
			return p.abort()
		}
		return nil
	}
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
