// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/kiptool/lib/cli"
	"github.com/bureau-foundation/kiptool/lib/kcap"
	"github.com/bureau-foundation/kiptool/lib/kip"
)

func capsCommand() *cli.Command {
	return &cli.Command{
		Name:    "caps",
		Summary: "Compile a descriptor's capabilities and print the packed words",
		Description: `Compile the descriptor's kernel capabilities and print each packed
word with the capability kind recovered from its tag bits. Useful for
checking what a descriptor grants before packaging it.`,
		Usage: "kiptool caps <descriptor>",
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("caps requires exactly one <descriptor> argument")
			}
			desc, err := kcap.ReadDescriptorFile(args[0])
			if err != nil {
				return err
			}
			words, err := kcap.Compile(desc.Capabilities)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for i, word := range words {
				fmt.Fprintf(tw, "%d\t0x%08X\t%s\n", i, uint32(word), word.Kind())
			}
			tw.Flush()
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	var verify bool

	return &cli.Command{
		Name:    "info",
		Summary: "Print the header of an existing KIP",
		Description: `Print the header fields, segment table, capability kinds, and BLAKE3
digest of an existing KIP. With --verify, also decompress every
compressed payload and check it decodes to the declared size.`,
		Usage: "kiptool info [flags] <kipfile>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flagSet.BoolVar(&verify, "verify", false, "decompress payloads and check sizes")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("info requires exactly one <kipfile> argument")
			}
			return runInfo(args[0], verify)
		},
	}
}

func runInfo(path string, verify bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	file, err := kip.ReadFile(path)
	if err != nil {
		return err
	}
	header := file.Header

	fmt.Printf("name:           %s\n", header.Name)
	fmt.Printf("program id:     0x%016X\n", header.ProgramID)
	fmt.Printf("version:        %d\n", header.Version)
	fmt.Printf("main thread:    priority %d, cpu %d, stack 0x%X\n",
		header.MainThreadPriority, header.DefaultCPU, header.MainThreadStackSize)
	fmt.Printf("secure memory:  %v\n", header.UseSecureMemory)
	fmt.Printf("immortal:       %v\n", header.Immortal)

	fmt.Printf("\nsegments:\n")
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "  \toffset\tsize\tstored\t\n")
	for kind := kip.PayloadText; kind < kip.PayloadCount; kind++ {
		entry := header.Segments[kind]
		stored := "raw"
		if entry.Compressed {
			stored = "compressed"
		}
		fmt.Fprintf(tw, "  %s\t0x%X\t0x%X\t0x%X\t%s\n",
			kind, entry.MemoryOffset, entry.DecompressedSize, entry.CompressedSize, stored)
	}
	fmt.Fprintf(tw, "  bss\t0x%X\t0x%X\t\t\n", header.ZeroFillOffset, header.ZeroFillSize)
	tw.Flush()

	words := header.CapabilityWords()
	fmt.Printf("\ncapabilities (%d words):\n", len(words))
	for i, word := range words {
		fmt.Printf("  %d  0x%08X  %s\n", i, uint32(word), word.Kind())
	}

	digest := kip.Digest(raw)
	fmt.Printf("\nblake3: %s\n", hex.EncodeToString(digest[:]))

	if verify {
		if err := file.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
			return &cli.ExitError{Code: 1}
		}
		fmt.Println("verify: ok")
	}
	return nil
}
