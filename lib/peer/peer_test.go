// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"bytes"
	"testing"
	"time"

	"github.com/bureau-foundation/conduit/lib/platform"
	"github.com/bureau-foundation/conduit/lib/rendezvous"
	"github.com/bureau-foundation/conduit/lib/testutil"
)

func TestDirectConnection(t *testing.T) {
	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	local, err := Connect(ConnectionParams{Endpoint: channel.TakeLocalEndpoint()})
	if err != nil {
		t.Fatalf("local Connect: %v", err)
	}
	defer local.Close()
	remote, err := Connect(ConnectionParams{Endpoint: channel.TakeRemoteEndpoint()})
	if err != nil {
		t.Fatalf("remote Connect: %v", err)
	}
	defer remote.Close()

	if err := local.WriteMessage([]byte("direct")); err != nil {
		t.Fatalf("write: %v", err)
	}
	message, err := remote.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(message, []byte("direct")) {
		t.Fatalf("read %q, want %q", message, "direct")
	}
}

func TestNamedConnection(t *testing.T) {
	namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}

	// The server pipe is valid immediately; the accept is deferred to
	// its first use.
	serverPipe, err := Connect(ConnectionParams{
		ServerEndpoint: namedChannel.TakeServerEndpoint(),
		AcceptTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	defer serverPipe.Close()

	clientEndpoint, err := rendezvous.ConnectToServer(namedChannel.ServerName())
	if err != nil {
		t.Fatalf("ConnectToServer: %v", err)
	}
	clientPipe, err := Connect(ConnectionParams{Endpoint: clientEndpoint})
	if err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	defer clientPipe.Close()

	if err := clientPipe.WriteMessage([]byte("to server")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	message, err := serverPipe.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(message, []byte("to server")) {
		t.Fatalf("server read %q", message)
	}

	if err := serverPipe.WriteMessage([]byte("to client")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	message, err = clientPipe.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(message, []byte("to client")) {
		t.Fatalf("client read %q", message)
	}
}

func TestUnusedServerPipeClosesCleanly(t *testing.T) {
	namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	serverPipe, err := Connect(ConnectionParams{ServerEndpoint: namedChannel.TakeServerEndpoint()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := serverPipe.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The rendezvous name is released with the listener.
	if _, err := rendezvous.ConnectToServer(namedChannel.ServerName()); err == nil {
		t.Fatal("connected to a released rendezvous name")
	}
}

func TestInvalidParams(t *testing.T) {
	if _, err := Connect(ConnectionParams{}); err == nil {
		t.Fatal("Connect with no endpoint succeeded")
	}

	channel, err := platform.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer channel.Close()
	namedChannel, err := rendezvous.New(rendezvous.Options{SocketDir: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	server := namedChannel.TakeServerEndpoint()
	defer server.Close()

	if _, err := Connect(ConnectionParams{
		Endpoint:       channel.TakeLocalEndpoint(),
		ServerEndpoint: server,
	}); err == nil {
		t.Fatal("Connect with both endpoints succeeded")
	}
}
