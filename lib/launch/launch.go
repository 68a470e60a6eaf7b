// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch wraps OS process creation for the bootstrap protocol.
// It translates a set of descriptor transfer requests plus environment
// and working-directory overrides into a spawn, making every
// transferred descriptor visible to the child at a known slot and
// closing the parent's copies after the spawn attempt so no duplicate
// references leak.
//
// Descriptors are remapped at spawn time: the i-th transferred file
// becomes descriptor 3+i in the child. When a transport endpoint is
// transferred with [Options.TransferEndpoint], its slot number is also
// placed in the CONDUIT_CHANNEL_FD environment variable so the child
// can recover the endpoint without prior coordination.
package launch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/conduit/lib/platform"
)

// ErrSpawnFailed wraps OS process-creation failures: program not
// found, permission denied, resource exhaustion.
var ErrSpawnFailed = errors.New("process spawn failed")

// ErrHandleTransfer wraps failures preparing a descriptor for
// transfer to the child.
var ErrHandleTransfer = errors.New("handle transfer failed")

// ErrTimeout is returned by Process.Wait when the child does not exit
// within the given bound. Distinct from spawn failure so callers can
// choose to retry the wait or force-kill.
var ErrTimeout = errors.New("timed out waiting for process exit")

// Options describes how a child process is launched. The zero value
// launches with no transferred descriptors, the parent's environment,
// and the parent's working directory.
type Options struct {
	// Files are descriptors transferred to the child, in slot order:
	// Files[i] becomes descriptor 3+i. Ownership moves to the launch;
	// the parent-side copies are closed after the spawn attempt
	// regardless of its outcome.
	Files []*os.File

	// Env contains environment overrides applied on top of the
	// parent's environment.
	Env map[string]string

	// Dir overrides the child's working directory when non-empty.
	Dir string

	// NewProcessGroup places the child in its own process group, so a
	// later Kill can take the whole group down.
	NewProcessGroup bool

	// Stdout and Stderr receive the child's output. Stderr defaults to
	// the parent's stderr (child diagnostics stay visible); Stdout
	// defaults to discard.
	Stdout io.Writer
	Stderr io.Writer
}

// TransferEndpoint consumes a transport endpoint, schedules its
// descriptor for transfer, and records the child-side slot in the
// CONDUIT_CHANNEL_FD environment override.
func (o *Options) TransferEndpoint(endpoint *platform.Endpoint) error {
	file, err := endpoint.TakeFile("channel-remote")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandleTransfer, err)
	}
	slot := 3 + len(o.Files)
	o.Files = append(o.Files, file)
	if o.Env == nil {
		o.Env = make(map[string]string)
	}
	o.Env[platform.ChannelFDEnv] = strconv.Itoa(slot)
	return nil
}

// CloseFiles closes all descriptors prepared for transfer. Launch
// calls this itself; callers only need it when abandoning a prepared
// Options without launching.
func (o *Options) CloseFiles() {
	for _, file := range o.Files {
		file.Close()
	}
	o.Files = nil
}

// Process is an opaque handle to a launched child. It owns the
// lifetime tracking needed to wait for exit and retrieve the exit code.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Launch spawns argv[0] with the given options. The parent's copies of
// all transferred descriptors are closed before Launch returns,
// whether or not the spawn succeeded — after a successful spawn the
// child holds its own copies, and after a failure there is nothing to
// transfer them to.
func Launch(argv []string, options *Options) (*Process, error) {
	if options == nil {
		options = &Options{}
	}
	defer options.CloseFiles()

	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawnFailed)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Args = argv
	cmd.Dir = options.Dir
	cmd.ExtraFiles = options.Files
	cmd.Stdout = options.Stdout
	cmd.Stderr = options.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if options.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	environment := os.Environ()
	for key, value := range options.Env {
		environment = append(environment, key+"="+value)
	}
	cmd.Env = environment

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %q: %w", ErrSpawnFailed, argv[0], err)
	}

	process := &Process{cmd: cmd, done: make(chan struct{})}
	go process.reap()
	return process, nil
}

// reap collects the child's exit status as soon as it exits, so the
// child never lingers as a zombie while the caller decides when to
// Wait.
func (p *Process) reap() {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			if status, ok := exitError.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				exitCode = 128 + int(status.Signal())
			} else {
				exitCode = exitError.ExitCode()
			}
			err = nil
		}
	}

	p.mu.Lock()
	p.exitCode = exitCode
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits, bounded by timeout (unbounded
// when timeout is zero). Returns the exit code: 0 is success, any
// nonzero value is failure with application-defined meaning, 128+N
// means death by signal N. Returns ErrTimeout if the child is still
// running when the bound expires; the child keeps running and Wait may
// be called again.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.done
		return p.result()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.result()
	case <-timer.C:
		return -1, fmt.Errorf("%w after %v (pid %d)", ErrTimeout, timeout, p.PID())
	}
}

func (p *Process) result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

// Kill forcibly terminates the child. When the child was launched in
// its own process group, the whole group is signaled.
func (p *Process) Kill() error {
	if p.cmd.SysProcAttr != nil && p.cmd.SysProcAttr.Setpgid {
		// Negative PID signals the process group.
		if err := syscall.Kill(-p.PID(), syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing process group %d: %w", p.PID(), err)
		}
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", p.PID(), err)
	}
	return nil
}
