// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates a structured logger for command operations. When
// stderr is a terminal, uses slog.TextHandler for human-readable
// output. When stderr is piped or redirected (CI, build scripts),
// uses slog.JSONHandler for machine-parseable output. Verbose lowers
// the level to Debug so per-segment compression details show up.
//
// Callers scope the logger with command-specific context via With():
//
//	logger := cli.NewLogger(verbose).With("command", "build")
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
