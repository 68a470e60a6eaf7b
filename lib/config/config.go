// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "CONDUIT_CONFIG"

// Config is the master configuration for Conduit components.
type Config struct {
	// Harness configures the process-orchestration harness.
	Harness HarnessConfig `yaml:"harness"`
}

// HarnessConfig holds harness defaults. Anything left zero falls back
// to the built-in defaults from Default.
type HarnessConfig struct {
	// ActionTimeout bounds how long the harness waits for a child to
	// exit (and how long invitation sends wait for a rendezvous
	// connection) before reporting a timeout.
	ActionTimeout Duration `yaml:"action_timeout"`

	// SocketDir is the directory for rendezvous socket names. Keep it
	// short: sun_path caps socket paths at 108 bytes.
	SocketDir string `yaml:"socket_dir"`

	// ChildBinary overrides the binary launched for children. Empty
	// means the current executable (the multiprocess re-exec pattern).
	ChildBinary string `yaml:"child_binary"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Harness: HarnessConfig{
			ActionTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads configuration from the file named by CONDUIT_CONFIG.
// When the variable is unset, the built-in defaults are returned;
// there is no file discovery or search path.
func Load() (Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit path. Fields absent
// from the file keep their built-in defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	configuration := Default()
	if err := yaml.Unmarshal(data, &configuration); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return configuration, nil
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
