// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bureau-foundation/conduit/lib/harness"
	"github.com/bureau-foundation/conduit/lib/process"
	"github.com/bureau-foundation/conduit/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	for _, argument := range os.Args[1:] {
		if argument == "--version" {
			fmt.Printf("conduit-test-child %s\n", version.Info())
			return nil
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, err := harness.ChildSetup(os.Args[1:], 0)
	if err != nil {
		return err
	}
	defer ctx.Close()

	logger.Info("child bootstrap complete", "pid", os.Getpid())

	for {
		message, err := ctx.Pipe.ReadMessage()
		if errors.Is(err, io.EOF) {
			logger.Info("pipe closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading pipe: %w", err)
		}
		if err := ctx.Pipe.WriteMessage(message); err != nil {
			return fmt.Errorf("echoing message: %w", err)
		}
	}
}
