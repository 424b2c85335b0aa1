// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/kiptool/lib/cli"
	"github.com/bureau-foundation/kiptool/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like info --verify)
		// return an ExitError with the desired exit code. Don't print
		// a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

// root builds the complete kiptool command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "kiptool",
		Description: `kiptool: kernel initial process packager.

Assemble loader-ready KIP binaries from an ELF executable and a JSONC
capability descriptor, and inspect existing ones.`,
		Subcommands: []*cli.Command{
			buildCommand(),
			capsCommand(),
			infoCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("kiptool %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Package an init process",
				Command:     "kiptool build sm.elf sm.json",
			},
			{
				Description: "Package without compressing the data segment",
				Command:     "kiptool build --no-compress data boot2.elf boot2.json sm.kip",
			},
			{
				Description: "Show the packed capability words for a descriptor",
				Command:     "kiptool caps sm.json",
			},
			{
				Description: "Inspect and verify an existing KIP",
				Command:     "kiptool info --verify sm.kip",
			},
		},
	}
}
