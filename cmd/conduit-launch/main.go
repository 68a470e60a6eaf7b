// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/conduit/lib/config"
	"github.com/bureau-foundation/conduit/lib/harness"
	"github.com/bureau-foundation/conduit/lib/invitation"
	"github.com/bureau-foundation/conduit/lib/launch"
	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/process"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
	"github.com/bureau-foundation/conduit/lib/version"
)

func main() {
	code, err := run()
	if err != nil {
		process.Fatal(err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		named       bool
		socketDir   string
		timeout     time.Duration
		configPath  string
		showVersion bool
	)

	flag.BoolVar(&named, "named", false, "use a named rendezvous socket instead of descriptor inheritance")
	flag.StringVar(&socketDir, "socket-dir", "", "directory for rendezvous socket names (default: system temp dir)")
	flag.DurationVar(&timeout, "timeout", 0, "bound on waiting for child exit (default: from config)")
	flag.StringVar(&configPath, "config", "", "config file path (default: $"+config.EnvVar+")")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("conduit-launch %s\n", version.Info())
		return 0, nil
	}

	childArgv := flag.Args()
	if len(childArgv) == 0 {
		return 0, fmt.Errorf("no child command given (usage: conduit-launch [flags] -- <binary> [args...])")
	}

	var configuration config.Config
	var err error
	if configPath != "" {
		configuration, err = config.LoadFile(configPath)
	} else {
		configuration, err = config.Load()
	}
	if err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = configuration.Harness.ActionTimeout.Std()
	}
	if socketDir == "" {
		socketDir = configuration.Harness.SocketDir
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Prepare the transport before the spawn. For the named mode this
	// ordering is load-bearing: the rendezvous socket must be bound
	// before the child can try to connect to it.
	args := append([]string{}, childArgv...)
	options := &launch.Options{Stdout: os.Stderr, Stderr: os.Stderr}

	var localEndpoint *platform.Endpoint
	var serverEndpoint *rendezvous.ServerEndpoint
	if named {
		namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: socketDir})
		if err != nil {
			return 0, err
		}
		args = namedChannel.PassServerNameOnCommandLine(args)
		serverEndpoint = namedChannel.TakeServerEndpoint()
	} else {
		channel, err := platform.NewChannel()
		if err != nil {
			return 0, err
		}
		if err := options.TransferEndpoint(channel.TakeRemoteEndpoint()); err != nil {
			channel.Close()
			return 0, err
		}
		localEndpoint = channel.TakeLocalEndpoint()
	}
	args = append(args, "--"+harness.InvitedClientFlag)

	outgoing := invitation.NewOutgoing()
	primordial, err := outgoing.AttachMessagePipe(harness.PrimordialPipeName)
	if err != nil {
		return 0, err
	}
	defer primordial.Close()

	child, err := launch.Launch(args, options)
	if err != nil {
		localEndpoint.Close()
		serverEndpoint.Close()
		return 0, err
	}

	onProcessError := func(err error) {
		logger.Error("handshake failed", "error", err)
	}
	if named {
		err = outgoing.SendToServer(serverEndpoint, timeout, onProcessError)
	} else {
		err = outgoing.Send(localEndpoint, onProcessError)
	}
	if err != nil {
		child.Kill()
		child.Wait(timeout)
		return 0, err
	}

	logger.Info("child launched", "pid", child.PID(), "named", named)

	bridge(primordial, logger)

	code, err := child.Wait(timeout)
	if err != nil {
		child.Kill()
		return 0, err
	}
	return code, nil
}

// bridge pumps stdin lines to the pipe and pipe messages to stdout,
// returning once the pipe closes. Stdin reaching EOF closes the pipe,
// which a well-behaved child treats as its signal to exit.
func bridge(primordial *pipe.Pipe, logger *slog.Logger) {
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, pipe.MaxMessageSize), pipe.MaxMessageSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := primordial.WriteMessage(line); err != nil {
				logger.Error("writing to pipe", "error", err)
				return
			}
		}
		primordial.Close()
	}()

	for {
		message, err := primordial.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Error("reading from pipe", "error", err)
			}
			return
		}
		os.Stdout.Write(append(message, '\n'))
	}
}
