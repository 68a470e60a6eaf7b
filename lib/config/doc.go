// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Conduit
// components.
//
// Configuration comes from a single file named by the CONDUIT_CONFIG
// environment variable (via [Load]) or an explicit path (via
// [LoadFile]). There are no fallbacks, no ~/.config discovery, and no
// automatic file search — when nothing is configured, the built-in
// defaults from [Default] apply. This keeps configuration
// deterministic and auditable with no hidden overrides.
//
// This package depends on no other Conduit packages.
package config
