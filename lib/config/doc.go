// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for kiptool.
//
// Configuration is loaded from a single file specified by either the
// KIPTOOL_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search; a build with no config file runs on
// the built-in defaults, and flags always win over the file. This
// ensures deterministic, auditable builds with no hidden overrides.
//
// Variable expansion is performed on the output directory after
// loading: ${HOME} and ${PWD} are expanded. No other environment
// variables override config values.
//
// Key exports:
//
//   - [Config] -- output placement and per-segment compression defaults
//   - [Default] -- returns a Config that compresses everything
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other kiptool packages.
package config
