// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the tool configuration.
type Config struct {
	// Output configures where assembled files land.
	Output OutputConfig `yaml:"output"`

	// Compression sets the default per-segment compression toggles.
	// The build command's --no-compress flag overrides these.
	Compression CompressionConfig `yaml:"compression"`
}

// OutputConfig configures output placement.
type OutputConfig struct {
	// Dir is the directory assembled files are written to when the
	// build command is not given an explicit output path. Empty means
	// next to the descriptor. ${HOME} and ${PWD} expand.
	Dir string `yaml:"dir"`
}

// CompressionConfig holds the per-segment defaults.
type CompressionConfig struct {
	Text   bool `yaml:"text"`
	Rodata bool `yaml:"rodata"`
	Data   bool `yaml:"data"`
}

// Default returns the default configuration: compress everything,
// write next to the descriptor.
func Default() *Config {
	return &Config{
		Compression: CompressionConfig{Text: true, Rodata: true, Data: true},
	}
}

// Load loads configuration from the KIPTOOL_CONFIG environment
// variable. Unlike LoadFile it treats an unset variable as "no
// config" and returns the defaults; an explicitly named file that
// cannot be read is an error.
func Load() (*Config, error) {
	path := os.Getenv("KIPTOOL_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// its values. The only expansion performed is ${HOME} and ${PWD} in
// the output directory.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// OutputPath resolves the output file for a descriptor: the explicit
// path if given, otherwise the descriptor's base name with a .kip
// suffix, placed in the configured output directory (or alongside the
// descriptor when none is configured).
func (c *Config) OutputPath(descriptorPath, explicit string) string {
	if explicit != "" {
		return explicit
	}
	base := filepath.Base(descriptorPath)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + ".kip"
	if c.Output.Dir != "" {
		return filepath.Join(c.Output.Dir, base)
	}
	return filepath.Join(filepath.Dir(descriptorPath), base)
}

func (c *Config) expandVariables() {
	home, _ := os.UserHomeDir()
	pwd, _ := os.Getwd()
	replacer := strings.NewReplacer("${HOME}", home, "${PWD}", pwd)
	c.Output.Dir = replacer.Replace(c.Output.Dir)
}
