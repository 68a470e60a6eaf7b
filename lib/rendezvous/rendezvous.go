// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous provides the named fallback transport used when a
// child process cannot inherit a channel descriptor directly: a Unix
// domain socket at a filesystem-visible path that both sides agree on
// by name.
//
// The server side creates and binds the listening socket before the
// child is launched. This ordering is the whole point of the package —
// it closes the race where a child tries to connect to a name that
// does not exist yet. Because the name is guaranteed to exist before
// spawn, a client-side connect failure is fatal, not transient; no
// retry loop is needed or wanted.
//
// Names are derived from a random 64-bit value scoped to a socket
// directory. Collisions are treated as negligible and are not detected.
package rendezvous

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conduit/lib/platform"
)

// ServerNameFlag is the reserved command-line flag carrying a
// rendezvous server name to a child process.
const ServerNameFlag = "conduit-rendezvous-name"

// Options configures NamedChannel creation.
type Options struct {
	// ServerName is the full socket path to serve on. If empty, a
	// random name is generated under SocketDir.
	ServerName string

	// SocketDir is the directory for generated socket names. Defaults
	// to os.TempDir(). Ignored when ServerName is set explicitly.
	// Keep this path short: sun_path caps socket paths at 108 bytes.
	SocketDir string
}

// NamedChannel is the server side of a named rendezvous transport: a
// bound, listening Unix socket that should accept a single connection.
// Create it before launching the client process.
type NamedChannel struct {
	serverName string
	endpoint   *ServerEndpoint
}

// New creates a named channel, binding and listening on the server
// name immediately so the name exists before any client is spawned.
func New(options Options) (*NamedChannel, error) {
	serverName := options.ServerName
	if serverName == "" {
		socketDir := options.SocketDir
		if socketDir == "" {
			socketDir = os.TempDir()
		}
		serverName = filepath.Join(socketDir, strconv.FormatUint(rand.Uint64(), 10))
	}

	listener, err := net.Listen("unixpacket", serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: binding rendezvous socket %s: %w", platform.ErrTransportCreation, serverName, err)
	}

	return &NamedChannel{
		serverName: serverName,
		endpoint:   &ServerEndpoint{listener: listener.(*net.UnixListener)},
	}, nil
}

// ServerName returns the name a remote process uses to connect.
func (c *NamedChannel) ServerName() string {
	return c.serverName
}

// TakeServerEndpoint consumes and returns the listening endpoint. Use
// it to send an invitation or establish a server-side peer connection.
func (c *NamedChannel) TakeServerEndpoint() *ServerEndpoint {
	endpoint := c.endpoint
	c.endpoint = nil
	return endpoint
}

// PassServerNameOnCommandLine appends the reserved server-name flag to
// an argument list destined for a child process.
func (c *NamedChannel) PassServerNameOnCommandLine(args []string) []string {
	return append(args, fmt.Sprintf("--%s=%s", ServerNameFlag, c.serverName))
}

// ServerNameFromArgs extracts a rendezvous server name from an argument
// list, or returns "" if the reserved flag is absent. Arguments are
// scanned directly rather than through a flag set so that child
// processes can recover the name before any flag parsing happens.
func ServerNameFromArgs(args []string) string {
	prefix := "--" + ServerNameFlag + "="
	for _, argument := range args {
		if strings.HasPrefix(argument, prefix) {
			return strings.TrimPrefix(argument, prefix)
		}
	}
	return ""
}

// ConnectToServer connects to a named channel's socket and returns the
// connected transport endpoint. The server guarantees the name exists
// prior to spawning this process, so failure here is fatal to the
// bootstrap, not something to retry.
func ConnectToServer(serverName string) (*platform.Endpoint, error) {
	if serverName == "" {
		return nil, fmt.Errorf("empty rendezvous server name")
	}
	conn, err := net.Dial("unixpacket", serverName)
	if err != nil {
		return nil, fmt.Errorf("connecting to rendezvous socket %s: %w", serverName, err)
	}
	return endpointFromConn(conn.(*net.UnixConn))
}

// ServerEndpoint is the listening half of a named channel. It accepts
// exactly one connection; the socket file is removed once that
// connection is established (or the endpoint is closed), so the name
// is filesystem-visible only for the lifetime of the handshake.
type ServerEndpoint struct {
	listener *net.UnixListener
}

// Valid reports whether the endpoint still owns its listener.
func (s *ServerEndpoint) Valid() bool {
	return s != nil && s.listener != nil
}

// Accept waits up to timeout for the single client connection and
// returns it as a transport endpoint. Consumes the listener: the
// socket name is unlinked before returning.
func (s *ServerEndpoint) Accept(timeout time.Duration) (*platform.Endpoint, error) {
	conn, err := s.AcceptConn(timeout)
	if err != nil {
		return nil, err
	}
	return endpointFromConn(conn)
}

// AcceptConn is Accept without the endpoint conversion, for callers
// (peer connections) that use the connection directly.
func (s *ServerEndpoint) AcceptConn(timeout time.Duration) (*net.UnixConn, error) {
	if !s.Valid() {
		return nil, platform.ErrConsumed
	}
	listener := s.listener
	s.listener = nil
	defer listener.Close()

	if timeout > 0 {
		if err := listener.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("setting rendezvous accept deadline: %w", err)
		}
	}
	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting rendezvous connection: %w", err)
	}
	return conn.(*net.UnixConn), nil
}

// Close releases the listener and unlinks the socket name. Idempotent.
func (s *ServerEndpoint) Close() error {
	if !s.Valid() {
		return nil
	}
	listener := s.listener
	s.listener = nil
	return listener.Close()
}

// endpointFromConn converts a connected socket to an owned endpoint.
// File() duplicates the descriptor, so the conn is closed afterward.
func endpointFromConn(conn *net.UnixConn) (*platform.Endpoint, error) {
	file, err := conn.File()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("extracting rendezvous connection descriptor: %w", err)
	}
	fd := int(file.Fd())
	// Detach the descriptor from the *os.File so the file's finalizer
	// cannot close it behind the endpoint's back.
	duplicate, err := dupFD(fd)
	file.Close()
	if err != nil {
		return nil, err
	}
	return platform.NewEndpoint(platform.NewHandle(duplicate)), nil
}

// dupFD duplicates fd with close-on-exec set, starting at descriptor 3
// to stay clear of stdio.
func dupFD(fd int) (int, error) {
	duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return -1, fmt.Errorf("duplicating descriptor: %w", err)
	}
	return duplicate, nil
}
