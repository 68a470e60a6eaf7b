// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bureau-foundation/conduit/lib/config"
	"github.com/bureau-foundation/conduit/lib/invitation"
	"github.com/bureau-foundation/conduit/lib/peer"
	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
)

// ChildContext carries the bootstrap results into a child entry point.
// It is passed explicitly rather than stored in a process-wide slot,
// so tests can simulate multiple children inside one process.
type ChildContext struct {
	// Pipe is the primordial message pipe connected to the parent.
	Pipe *pipe.Pipe

	// Invitation is the accepted invitation, for extracting further
	// named pipes beyond the primordial one. Nil in peer modes.
	Invitation *invitation.Incoming

	// Args are the child's command-line arguments with the reserved
	// harness flags filtered out.
	Args []string
}

// Close releases the context's pipe and any unextracted invitation
// pipes.
func (c *ChildContext) Close() {
	if c.Pipe != nil {
		c.Pipe.Close()
	}
	if c.Invitation != nil {
		c.Invitation.Close()
	}
}

// ChildSetup performs the child side of the bootstrap: recover the
// transport endpoint (from the rendezvous name in args, or from the
// inherited descriptor in CONDUIT_CHANNEL_FD), then either accept the
// invitation and extract the primordial pipe, or establish the peer
// connection, depending on the reserved flags in args.
//
// acceptTimeout bounds the invitation handshake wait; zero means the
// config default.
func ChildSetup(args []string, acceptTimeout time.Duration) (*ChildContext, error) {
	if acceptTimeout <= 0 {
		acceptTimeout = config.Default().Harness.ActionTimeout.Std()
	}

	serverName := rendezvous.ServerNameFromArgs(args)
	invited := hasFlag(args, InvitedClientFlag)

	var endpoint *platform.Endpoint
	var err error
	if serverName != "" {
		endpoint, err = rendezvous.ConnectToServer(serverName)
	} else {
		endpoint, err = platform.RecoverPassedEndpoint()
	}
	if err != nil {
		return nil, fmt.Errorf("recovering transport endpoint: %w", err)
	}

	if !invited {
		connected, err := peer.Connect(peer.ConnectionParams{Endpoint: endpoint})
		if err != nil {
			return nil, fmt.Errorf("establishing peer connection: %w", err)
		}
		return &ChildContext{Pipe: connected, Args: filterReservedFlags(args)}, nil
	}

	incoming, err := invitation.Accept(endpoint, acceptTimeout)
	if err != nil {
		return nil, err
	}
	primordial, err := incoming.ExtractMessagePipe(PrimordialPipeName)
	if err != nil {
		incoming.Close()
		return nil, err
	}
	return &ChildContext{
		Pipe:       primordial,
		Invitation: incoming,
		Args:       filterReservedFlags(args),
	}, nil
}

// ChildMainFunc is a registered child entry point. Its return value
// becomes the child's exit code: 0 for success, anything else for
// failure with meaning owned by the caller.
type ChildMainFunc func(ctx *ChildContext) int

var childMains = make(map[string]ChildMainFunc)
var rawChildMains = make(map[string]func() int)

// RegisterChildMain registers a child entry point reachable through
// StartChild. The bootstrap (endpoint recovery, invitation accept,
// primordial pipe extraction) runs before the entry point is invoked.
// Panics on duplicate names.
func RegisterChildMain(name string, main ChildMainFunc) {
	if _, exists := childMains[name]; exists {
		panic(fmt.Sprintf("harness: duplicate child main %q", name))
	}
	childMains[name] = main
}

// RegisterRawChildMain registers a child entry point that runs without
// any bootstrap: no endpoint recovery, no invitation accept. Used to
// exercise failure paths such as a child exiting before the handshake.
// Panics on duplicate names.
func RegisterRawChildMain(name string, main func() int) {
	if _, exists := rawChildMains[name]; exists {
		panic(fmt.Sprintf("harness: duplicate raw child main %q", name))
	}
	rawChildMains[name] = main
}

// RunChildMain checks whether this process was launched as a harness
// child, and if so runs the named entry point and reports its exit
// code. Call it first in TestMain (or early in main) and os.Exit with
// the code when isChild is true:
//
//	func TestMain(m *testing.M) {
//		if code, isChild := harness.RunChildMain(); isChild {
//			os.Exit(code)
//		}
//		os.Exit(m.Run())
//	}
func RunChildMain() (exitCode int, isChild bool) {
	name := flagValue(os.Args[1:], ChildMainFlag)
	if name == "" {
		return 0, false
	}

	if main, exists := rawChildMains[name]; exists {
		return main(), true
	}

	main, exists := childMains[name]
	if !exists {
		fmt.Fprintf(os.Stderr, "error: unknown child main %q\n", name)
		return 125, true
	}

	ctx, err := ChildSetup(os.Args[1:], 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: child bootstrap: %v\n", err)
		return 125, true
	}
	defer ctx.Close()
	return main(ctx), true
}

// hasFlag reports whether args contains --name (exactly, no value).
func hasFlag(args []string, name string) bool {
	flag := "--" + name
	for _, argument := range args {
		if argument == flag {
			return true
		}
	}
	return false
}

// flagValue extracts the value of --name=value from args, or "".
func flagValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, argument := range args {
		if strings.HasPrefix(argument, prefix) {
			return strings.TrimPrefix(argument, prefix)
		}
	}
	return ""
}

// filterReservedFlags removes the harness's reserved flags from an
// argument list, leaving only the arguments meant for the child.
func filterReservedFlags(args []string) []string {
	var filtered []string
	for _, argument := range args {
		if argument == "--"+InvitedClientFlag ||
			strings.HasPrefix(argument, "--"+ChildMainFlag+"=") ||
			strings.HasPrefix(argument, "--"+rendezvous.ServerNameFlag+"=") {
			continue
		}
		filtered = append(filtered, argument)
	}
	return filtered
}
