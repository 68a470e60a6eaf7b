// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package invitation

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conduit/lib/pipe"
	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
	"github.com/bureau-foundation/conduit/lib/testutil"
)

// sendAndAccept runs the full handshake over an in-process channel and
// returns the accepted invitation. The outgoing side is consumed.
func sendAndAccept(t *testing.T, outgoing *Outgoing) *Incoming {
	t.Helper()
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	processErrors := make(chan error, 1)
	if err := outgoing.Send(channel.TakeLocalEndpoint(), func(err error) {
		processErrors <- err
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	incoming, err := Accept(channel.TakeRemoteEndpoint(), 5*time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(incoming.Close)

	select {
	case err := <-processErrors:
		t.Fatalf("unexpected process error: %v", err)
	default:
	}
	return incoming
}

func TestHandshakeRoundtrip(t *testing.T) {
	outgoing := NewOutgoing()
	control, err := outgoing.AttachMessagePipe("control")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer control.Close()
	data, err := outgoing.AttachMessagePipe("data")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer data.Close()

	// Writes before the remote has even accepted must not be lost.
	if err := control.WriteMessage([]byte("queued before accept")); err != nil {
		t.Fatalf("early write: %v", err)
	}

	sentID := outgoing.ID()
	incoming := sendAndAccept(t, outgoing)

	if incoming.ID() != sentID {
		t.Fatalf("received ID %q, want %q", incoming.ID(), sentID)
	}
	if got := len(incoming.PipeNames()); got != 2 {
		t.Fatalf("PipeNames has %d entries, want 2", got)
	}

	remoteControl, err := incoming.ExtractMessagePipe("control")
	if err != nil {
		t.Fatalf("ExtractMessagePipe(control): %v", err)
	}
	defer remoteControl.Close()
	remoteData, err := incoming.ExtractMessagePipe("data")
	if err != nil {
		t.Fatalf("ExtractMessagePipe(data): %v", err)
	}
	defer remoteData.Close()

	message, err := remoteControl.ReadMessage()
	if err != nil {
		t.Fatalf("reading queued message: %v", err)
	}
	if !bytes.Equal(message, []byte("queued before accept")) {
		t.Fatalf("queued message = %q", message)
	}

	// Both directions on the second pipe.
	if err := remoteData.WriteMessage([]byte("from child")); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	message, err = data.ReadMessage()
	if err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if !bytes.Equal(message, []byte("from child")) {
		t.Fatalf("parent read %q", message)
	}
	if err := data.WriteMessage([]byte("from parent")); err != nil {
		t.Fatalf("parent write: %v", err)
	}
	message, err = remoteData.ReadMessage()
	if err != nil {
		t.Fatalf("remote read: %v", err)
	}
	if !bytes.Equal(message, []byte("from parent")) {
		t.Fatalf("remote read %q", message)
	}
}

func TestDuplicateAttachRejected(t *testing.T) {
	outgoing := NewOutgoing()
	defer outgoing.Close()

	first, err := outgoing.AttachMessagePipe("name")
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	defer first.Close()

	if _, err := outgoing.AttachMessagePipe("name"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second attach error = %v, want ErrDuplicateName", err)
	}
	if _, err := outgoing.AttachMessagePipe(""); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestUseAfterSendRejected(t *testing.T) {
	outgoing := NewOutgoing()
	local, err := outgoing.AttachMessagePipe("only")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer local.Close()

	incoming := sendAndAccept(t, outgoing)
	defer incoming.Close()

	if _, err := outgoing.AttachMessagePipe("late"); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("attach after send = %v, want ErrAlreadySent", err)
	}

	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer channel.Close()
	if err := outgoing.Send(channel.TakeLocalEndpoint(), nil); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("second Send = %v, want ErrAlreadySent", err)
	}
}

func TestExtractExactlyOnce(t *testing.T) {
	outgoing := NewOutgoing()
	local, err := outgoing.AttachMessagePipe("single")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer local.Close()

	incoming := sendAndAccept(t, outgoing)

	extracted, err := incoming.ExtractMessagePipe("single")
	if err != nil {
		t.Fatalf("first extract: %v", err)
	}
	defer extracted.Close()

	if _, err := incoming.ExtractMessagePipe("single"); !errors.Is(err, ErrAlreadyExtracted) {
		t.Fatalf("second extract = %v, want ErrAlreadyExtracted", err)
	}
	if _, err := incoming.ExtractMessagePipe("never-attached"); !errors.Is(err, ErrUnknownPipeName) {
		t.Fatalf("unknown extract = %v, want ErrUnknownPipeName", err)
	}
}

func TestEmptyInvitation(t *testing.T) {
	outgoing := NewOutgoing()
	incoming := sendAndAccept(t, outgoing)
	if len(incoming.PipeNames()) != 0 {
		t.Fatalf("empty invitation carries %d names", len(incoming.PipeNames()))
	}
}

func TestAcceptChannelClosedBeforeHandshake(t *testing.T) {
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	channel.TakeLocalEndpoint().Close()

	if _, err := Accept(channel.TakeRemoteEndpoint(), 5*time.Second); !errors.Is(err, ErrAcceptFailed) {
		t.Fatalf("Accept = %v, want ErrAcceptFailed", err)
	}
}

func TestAcceptCorruptHeader(t *testing.T) {
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	sender, err := channel.TakeLocalEndpoint().TakeHandle()
	if err != nil {
		t.Fatalf("taking sender handle: %v", err)
	}
	defer sender.Close()
	if err := unix.Sendmsg(sender.FD(), []byte{0xff, 0x00, 0x13, 0x37}, nil, nil, 0); err != nil {
		t.Fatalf("sending garbage: %v", err)
	}

	if _, err := Accept(channel.TakeRemoteEndpoint(), 5*time.Second); !errors.Is(err, ErrAcceptFailed) {
		t.Fatalf("Accept = %v, want ErrAcceptFailed", err)
	}
}

func TestAcceptTimeout(t *testing.T) {
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer channel.Close()

	if _, err := Accept(channel.TakeRemoteEndpoint(), 50*time.Millisecond); !errors.Is(err, ErrAcceptFailed) {
		t.Fatalf("Accept = %v, want ErrAcceptFailed", err)
	}
}

func TestAcceptConsumedEndpoint(t *testing.T) {
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer channel.Close()

	endpoint := channel.TakeRemoteEndpoint()
	endpoint.Close()
	if _, err := Accept(endpoint, time.Second); !errors.Is(err, ErrAcceptFailed) {
		t.Fatalf("Accept on consumed endpoint = %v, want ErrAcceptFailed", err)
	}
}

func TestSendToServer(t *testing.T) {
	namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	server := namedChannel.TakeServerEndpoint()

	outgoing := NewOutgoing()
	local, err := outgoing.AttachMessagePipe("over-rendezvous")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer local.Close()

	processErrors := make(chan error, 1)
	if err := outgoing.SendToServer(server, 5*time.Second, func(err error) {
		processErrors <- err
	}); err != nil {
		t.Fatalf("SendToServer: %v", err)
	}

	client, err := rendezvous.ConnectToServer(namedChannel.ServerName())
	if err != nil {
		t.Fatalf("ConnectToServer: %v", err)
	}

	incoming, err := Accept(client, 5*time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer incoming.Close()

	remote, err := incoming.ExtractMessagePipe("over-rendezvous")
	if err != nil {
		t.Fatalf("ExtractMessagePipe: %v", err)
	}
	defer remote.Close()

	if err := local.WriteMessage([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	message, err := remote.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(message, []byte("hello")) {
		t.Fatalf("read %q", message)
	}

	select {
	case err := <-processErrors:
		t.Fatalf("unexpected process error: %v", err)
	default:
	}
}

func TestSendToServerNoClientReportsProcessError(t *testing.T) {
	namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	server := namedChannel.TakeServerEndpoint()

	outgoing := NewOutgoing()
	local, err := outgoing.AttachMessagePipe("abandoned")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer local.Close()

	processErrors := make(chan error, 1)
	if err := outgoing.SendToServer(server, 100*time.Millisecond, func(err error) {
		processErrors <- err
	}); err != nil {
		t.Fatalf("SendToServer: %v", err)
	}

	reported := testutil.RequireReceive(t, processErrors, 5*time.Second, "waiting for process error")
	if reported == nil {
		t.Fatal("nil process error reported")
	}
}

func TestTooManyPipesFailsAtSend(t *testing.T) {
	outgoing := NewOutgoing()
	locals := make([]*pipe.Pipe, 0, maxTransferredFDs+1)
	for i := 0; i <= maxTransferredFDs; i++ {
		local, err := outgoing.AttachMessagePipe(testutil.UniqueID("pipe"))
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		locals = append(locals, local)
	}
	defer func() {
		for _, local := range locals {
			local.Close()
		}
	}()

	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer channel.Close()

	// The receiver sizes its ancillary buffer for maxTransferredFDs,
	// so an oversized invitation must fail here, synchronously, not on
	// the remote side.
	if err := outgoing.Send(channel.TakeLocalEndpoint(), nil); err == nil {
		t.Fatalf("Send accepted %d pipes", maxTransferredFDs+1)
	}
}

func TestCloseReleasesUnsentRemotes(t *testing.T) {
	outgoing := NewOutgoing()
	local, err := outgoing.AttachMessagePipe("discarded")
	if err != nil {
		t.Fatalf("AttachMessagePipe: %v", err)
	}
	defer local.Close()

	outgoing.Close()
	outgoing.Close()

	// With the remote half released, the local half observes EOF.
	if _, err := local.ReadMessage(); err == nil {
		t.Fatal("read succeeded after remote halves were released")
	}
}
