// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/kiptool/lib/cli"
	"github.com/bureau-foundation/kiptool/lib/config"
	"github.com/bureau-foundation/kiptool/lib/elfimage"
	"github.com/bureau-foundation/kiptool/lib/kcap"
	"github.com/bureau-foundation/kiptool/lib/kip"
)

func buildCommand() *cli.Command {
	var (
		noCompress []string
		configPath string
		verbose    bool
	)

	return &cli.Command{
		Name:    "build",
		Summary: "Assemble a KIP from an ELF executable and a descriptor",
		Description: `Assemble a loader-ready KIP binary.

Reads the executable's loadable segments, compiles the descriptor's
kernel capabilities into packed words, compresses each segment with
the loader's backward-decodable LZSS codec, and writes the result
atomically. Segments that do not shrink are stored raw.`,
		Usage: "kiptool build [flags] <elf> <descriptor> [output]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("build", pflag.ContinueOnError)
			flagSet.StringSliceVar(&noCompress, "no-compress", nil,
				"store the named segments raw (text, rodata, data, or all)")
			flagSet.StringVar(&configPath, "config", "",
				"tool config file (default: $KIPTOOL_CONFIG if set)")
			flagSet.BoolVar(&verbose, "verbose", false, "debug logging")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("build requires <elf> <descriptor> [output], got %d args", len(args))
			}
			return runBuild(args, noCompress, configPath, verbose)
		},
	}
}

func runBuild(args, noCompress []string, configPath string, verbose bool) error {
	logger := cli.NewLogger(verbose).With("command", "build")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	opts := kip.Options{
		CompressText:   cfg.Compression.Text,
		CompressRodata: cfg.Compression.Rodata,
		CompressData:   cfg.Compression.Data,
	}
	for _, name := range noCompress {
		switch name {
		case "text":
			opts.CompressText = false
		case "rodata":
			opts.CompressRodata = false
		case "data":
			opts.CompressData = false
		case "all":
			opts = kip.Options{}
		default:
			return fmt.Errorf("unknown segment %q in --no-compress (want text, rodata, data, or all)", name)
		}
	}

	elfPath, descriptorPath := args[0], args[1]

	desc, err := kcap.ReadDescriptorFile(descriptorPath)
	if err != nil {
		return err
	}

	image, err := elfimage.Load(elfPath)
	if err != nil {
		return err
	}
	logger.Debug("parsed executable",
		"elf", elfPath,
		"text", image.Segment(elfimage.Text).Size(),
		"rodata", image.Segment(elfimage.ReadOnlyData).Size(),
		"data", image.Segment(elfimage.Data).Size(),
		"bss", image.Segment(elfimage.ZeroFill).Size(),
		"entry", image.Entry)

	file, warnings, err := kip.Build(image, desc, opts)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}

	outputPath := ""
	if len(args) == 3 {
		outputPath = args[2]
	}
	outputPath = cfg.OutputPath(descriptorPath, outputPath)

	if err := file.WriteFile(outputPath); err != nil {
		return err
	}

	written, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("reading back %s: %w", outputPath, err)
	}
	digest := kip.Digest(written)

	for kind := kip.PayloadText; kind < kip.PayloadCount; kind++ {
		entry := file.Header.Segments[kind]
		logger.Debug("segment",
			"kind", kind.String(),
			"decompressed", entry.DecompressedSize,
			"stored", entry.CompressedSize,
			"compressed", entry.Compressed)
	}

	fmt.Printf("wrote %s: %s, %d bytes, text %d->%d, rodata %d->%d, data %d->%d, blake3 %s\n",
		outputPath, file.Header.Name, len(written),
		file.Header.Segments[kip.PayloadText].DecompressedSize,
		file.Header.Segments[kip.PayloadText].CompressedSize,
		file.Header.Segments[kip.PayloadRodata].DecompressedSize,
		file.Header.Segments[kip.PayloadRodata].CompressedSize,
		file.Header.Segments[kip.PayloadData].DecompressedSize,
		file.Header.Segments[kip.PayloadData].CompressedSize,
		hex.EncodeToString(digest[:8]))
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
