// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	configuration := Default()
	if got := configuration.Harness.ActionTimeout.Std(); got != 10*time.Second {
		t.Fatalf("default action timeout = %v, want 10s", got)
	}
	if configuration.Harness.SocketDir != "" {
		t.Fatalf("default socket dir = %q, want empty", configuration.Harness.SocketDir)
	}
	if configuration.Harness.ChildBinary != "" {
		t.Fatalf("default child binary = %q, want empty", configuration.Harness.ChildBinary)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
harness:
  action_timeout: 30s
  socket_dir: /tmp/conduit
  child_binary: /usr/bin/child
`)
	configuration, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := configuration.Harness.ActionTimeout.Std(); got != 30*time.Second {
		t.Fatalf("action timeout = %v, want 30s", got)
	}
	if configuration.Harness.SocketDir != "/tmp/conduit" {
		t.Fatalf("socket dir = %q", configuration.Harness.SocketDir)
	}
	if configuration.Harness.ChildBinary != "/usr/bin/child" {
		t.Fatalf("child binary = %q", configuration.Harness.ChildBinary)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
harness:
  socket_dir: /tmp/sockets
`)
	configuration, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := configuration.Harness.ActionTimeout.Std(); got != 10*time.Second {
		t.Fatalf("action timeout = %v, want the 10s default", got)
	}
	if configuration.Harness.SocketDir != "/tmp/sockets" {
		t.Fatalf("socket dir = %q", configuration.Harness.SocketDir)
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
harness:
  action_timeout: not-a-duration
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted an invalid duration")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(EnvVar, "")
		os.Unsetenv(EnvVar)
		configuration, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := configuration.Harness.ActionTimeout.Std(); got != 10*time.Second {
			t.Fatalf("action timeout = %v, want 10s", got)
		}
	})

	t.Run("set", func(t *testing.T) {
		path := writeConfig(t, "harness:\n  action_timeout: 5s\n")
		t.Setenv(EnvVar, path)
		configuration, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := configuration.Harness.ActionTimeout.Std(); got != 5*time.Second {
			t.Fatalf("action timeout = %v, want 5s", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(EnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
		if _, err := Load(); err == nil {
			t.Fatal("Load succeeded with a missing config file")
		}
	})
}
