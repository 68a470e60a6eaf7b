// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version for --version flags.
package version

// Version is the build version, overridden at link time:
//
//	go build -ldflags "-X github.com/bureau-foundation/conduit/lib/version.Version=v1.2.3"
var Version = "dev"

// Info returns the human-readable version string.
func Info() string {
	return Version
}
