// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/conduit/lib/config"
	"github.com/bureau-foundation/conduit/lib/invitation"
	"github.com/bureau-foundation/conduit/lib/launch"
	"github.com/bureau-foundation/conduit/lib/peer"
	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
)

// PrimordialPipeName is the pipe name the harness attaches to child
// invitations. Child code extracts further pipes by its own names; the
// primordial pipe is the one handed to the child entry point.
const PrimordialPipeName = "test_pipe"

// InvitedClientFlag is the reserved command-line flag marking a child
// that should accept an invitation (as opposed to a peer connection).
const InvitedClientFlag = "conduit-run-as-invited-client"

// ChildMainFlag is the reserved command-line flag naming the child
// entry point to run, distinguishing harness-launched children from
// normal startup.
const ChildMainFlag = "conduit-child-main"

// LaunchMode selects how the transport reaches the child and which
// bootstrap protocol runs over it.
type LaunchMode int

const (
	// LaunchChild transfers a channel endpoint directly into the
	// child's file table and sends a full invitation over it.
	LaunchChild LaunchMode = iota

	// LaunchNamedChild reserves a named rendezvous socket before the
	// spawn; the child connects by name and accepts an invitation.
	LaunchNamedChild

	// LaunchPeer transfers a channel endpoint directly and uses it as
	// a single peer-connection pipe, with no invitation handshake.
	LaunchPeer

	// LaunchNamedPeer combines the named rendezvous transport with the
	// peer-connection mode.
	LaunchNamedPeer
)

func (m LaunchMode) named() bool {
	return m == LaunchNamedChild || m == LaunchNamedPeer
}

func (m LaunchMode) invited() bool {
	return m == LaunchChild || m == LaunchNamedChild
}

// State is the harness lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Helper. The zero value launches the current
// executable with a 10-second action timeout.
type Options struct {
	// Logger receives harness lifecycle events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// ActionTimeout bounds WaitForChildExit and the rendezvous accept
	// performed by invitation sends. Zero means the config default.
	ActionTimeout time.Duration

	// SocketDir is the directory for rendezvous socket names. Empty
	// means the system temp directory.
	SocketDir string

	// ChildBinary is the executable launched for children. Empty means
	// the current executable (the multiprocess re-exec pattern).
	ChildBinary string

	// ExtraArgs are prepended to every child's argument list, before
	// the reserved harness flags.
	ExtraArgs []string

	// OnProcessError receives asynchronous handshake failures from
	// sent invitations (a child that dies before connecting, corrupt
	// handshake transmission). Optional.
	OnProcessError invitation.ProcessErrorFunc

	// Stdout and Stderr receive the child's output. Stderr defaults to
	// the parent's stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// OptionsFromConfig converts a loaded harness configuration into
// Options, for binaries that wire the harness from a config file.
func OptionsFromConfig(cfg config.HarnessConfig) Options {
	return Options{
		ActionTimeout: cfg.ActionTimeout.Std(),
		SocketDir:     cfg.SocketDir,
		ChildBinary:   cfg.ChildBinary,
	}
}

// Helper launches one child process and manages its bootstrap
// lifecycle. A Helper drives exactly one launch; create a new one per
// child.
type Helper struct {
	logger         *slog.Logger
	actionTimeout  time.Duration
	socketDir      string
	childBinary    string
	extraArgs      []string
	onProcessError invitation.ProcessErrorFunc
	stdout         io.Writer
	stderr         io.Writer

	mu      sync.Mutex
	state   State
	process *launch.Process
}

// New creates a Helper in the Idle state.
func New(options Options) *Helper {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actionTimeout := options.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = config.Default().Harness.ActionTimeout.Std()
	}
	return &Helper{
		logger:         logger,
		actionTimeout:  actionTimeout,
		socketDir:      options.SocketDir,
		childBinary:    options.ChildBinary,
		extraArgs:      options.ExtraArgs,
		onProcessError: options.OnProcessError,
		stdout:         options.Stdout,
		stderr:         options.Stderr,
	}
}

// State returns the current lifecycle state.
func (h *Helper) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PID returns the child's process ID. Valid once StartChild has
// succeeded.
func (h *Helper) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.process == nil {
		return 0
	}
	return h.process.PID()
}

// StartChild launches the named child entry point and returns the
// primordial pipe connected to it. On any failure the helper returns
// to Idle with every prepared handle closed — no descriptor intended
// for transfer remains open.
func (h *Helper) StartChild(childMain string, mode LaunchMode) (*pipe.Pipe, error) {
	return h.StartChildWithExtraFlags(childMain, nil, mode)
}

// StartChildWithExtraFlags is StartChild with additional command-line
// flags appended to the child's argument list, letting child entry
// points receive parameters (and spawn further children of their own).
func (h *Helper) StartChildWithExtraFlags(childMain string, extraFlags []string, mode LaunchMode) (*pipe.Pipe, error) {
	if childMain == "" {
		return nil, errors.New("empty child main name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle {
		return nil, fmt.Errorf("cannot start child in state %s", h.state)
	}
	h.state = StateLaunching

	primordial, process, err := h.launchLocked(childMain, extraFlags, mode)
	if err != nil {
		h.state = StateIdle
		return nil, err
	}

	h.process = process
	h.state = StateRunning
	h.logger.Info("child launched",
		"child_main", childMain,
		"mode", mode,
		"pid", process.PID(),
	)
	return primordial, nil
}

// launchLocked performs the launch sequence. On error, every
// locally-created resource (channel endpoints, rendezvous listener,
// eagerly-created pipes, prepared transfer descriptors) is closed
// before returning.
func (h *Helper) launchLocked(childMain string, extraFlags []string, mode LaunchMode) (*pipe.Pipe, *launch.Process, error) {
	binary := h.childBinary
	if binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving current executable: %w", err)
		}
		binary = executable
	}

	args := []string{binary}
	args = append(args, h.extraArgs...)
	args = append(args, "--"+ChildMainFlag+"="+childMain)
	args = append(args, extraFlags...)

	options := &launch.Options{Stdout: h.stdout, Stderr: h.stderr}

	// Prepare the transport. For named modes the rendezvous socket is
	// bound and listening here, before the spawn below — otherwise the
	// child's connect could race the bind and fail spuriously.
	var localEndpoint *platform.Endpoint
	var serverEndpoint *rendezvous.ServerEndpoint
	if mode.named() {
		named, err := rendezvous.New(rendezvous.Options{SocketDir: h.socketDir})
		if err != nil {
			return nil, nil, err
		}
		args = named.PassServerNameOnCommandLine(args)
		serverEndpoint = named.TakeServerEndpoint()
	} else {
		channel, err := platform.NewChannel()
		if err != nil {
			return nil, nil, err
		}
		if err := options.TransferEndpoint(channel.TakeRemoteEndpoint()); err != nil {
			channel.Close()
			return nil, nil, err
		}
		localEndpoint = channel.TakeLocalEndpoint()
	}

	closeTransport := func() {
		localEndpoint.Close()
		serverEndpoint.Close()
	}

	// Establish the bootstrap protocol object. Invited modes attach
	// the primordial pipe eagerly; peer modes connect (or defer) over
	// the transport itself.
	var outgoing *invitation.Outgoing
	var primordial *pipe.Pipe
	if mode.invited() {
		outgoing = invitation.NewOutgoing()
		attached, err := outgoing.AttachMessagePipe(PrimordialPipeName)
		if err != nil {
			closeTransport()
			options.CloseFiles()
			return nil, nil, err
		}
		primordial = attached
		args = append(args, "--"+InvitedClientFlag)
	} else {
		connected, err := peer.Connect(peer.ConnectionParams{
			Endpoint:       localEndpoint,
			ServerEndpoint: serverEndpoint,
			AcceptTimeout:  h.actionTimeout,
		})
		if err != nil {
			closeTransport()
			options.CloseFiles()
			return nil, nil, err
		}
		primordial = connected
		// The transport is consumed by the peer connection; it must
		// not be closed again below.
		localEndpoint = nil
		serverEndpoint = nil
	}

	process, err := launch.Launch(args, options)
	if err != nil {
		primordial.Close()
		if outgoing != nil {
			outgoing.Close()
		}
		closeTransport()
		return nil, nil, err
	}

	if outgoing != nil {
		var sendErr error
		if mode.named() {
			sendErr = outgoing.SendToServer(serverEndpoint, h.actionTimeout, h.onProcessError)
		} else {
			sendErr = outgoing.Send(localEndpoint, h.onProcessError)
		}
		if sendErr != nil {
			// Contract violation on our side; the child is already
			// running. Kill and reap it so the failed attempt leaves
			// nothing behind.
			primordial.Close()
			closeTransport()
			process.Kill()
			process.Wait(h.actionTimeout)
			return nil, nil, sendErr
		}
	}

	return primordial, process, nil
}

// WaitForChildExit blocks until the child exits, bounded by the action
// timeout, and returns its exit code: 0 is success, any nonzero value
// is failure with application-defined meaning. A timeout is reported
// as launch.ErrTimeout, distinct from any exit code; the helper stays
// in ShuttingDown so the caller can retry or ForceTerminate.
func (h *Helper) WaitForChildExit() (int, error) {
	h.mu.Lock()
	if h.state != StateRunning && h.state != StateShuttingDown {
		h.mu.Unlock()
		return -1, fmt.Errorf("cannot wait for child in state %s", h.state)
	}
	h.state = StateShuttingDown
	process := h.process
	timeout := h.actionTimeout
	h.mu.Unlock()

	code, err := process.Wait(timeout)
	if err != nil {
		return -1, err
	}

	h.mu.Lock()
	h.state = StateTerminated
	h.mu.Unlock()
	return code, nil
}

// ForceTerminate kills the child and reaps it. Used after a wait
// timeout or to abandon a running child deliberately.
func (h *Helper) ForceTerminate() error {
	h.mu.Lock()
	process := h.process
	if process == nil {
		h.state = StateTerminated
		h.mu.Unlock()
		return nil
	}
	h.state = StateShuttingDown
	h.mu.Unlock()

	if err := process.Kill(); err != nil {
		return err
	}
	if _, err := process.Wait(h.actionTimeout); err != nil {
		return err
	}

	h.mu.Lock()
	h.state = StateTerminated
	h.mu.Unlock()
	return nil
}

// Close enforces the lifecycle invariant that a Helper is never
// abandoned with a live child: if the child is still running it is
// killed and reaped. Idempotent.
func (h *Helper) Close() error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case StateRunning, StateShuttingDown:
		h.logger.Warn("harness closed with live child; terminating", "pid", h.PID())
		return h.ForceTerminate()
	default:
		h.mu.Lock()
		h.state = StateTerminated
		h.mu.Unlock()
		return nil
	}
}
