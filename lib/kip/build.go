// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kip

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bureau-foundation/kiptool/lib/blz"
	"github.com/bureau-foundation/kiptool/lib/elfimage"
	"github.com/bureau-foundation/kiptool/lib/kcap"
)

// ErrLayoutOverflow reports a computed size or offset exceeding its
// fixed header field width.
var ErrLayoutOverflow = errors.New("layout overflow")

// WarningCode identifies a recoverable build condition.
type WarningCode string

// WarnNameTruncated is raised when the process name exceeds the
// header's fixed name field and is truncated.
const WarnNameTruncated WarningCode = "name-truncated"

// Warning is a recoverable condition surfaced to the caller; the
// build proceeds.
type Warning struct {
	Code    WarningCode
	Message string
}

func (w Warning) String() string { return w.Message }

// Options controls segment compression. The zero value compresses
// nothing; DefaultOptions compresses every payload kind.
type Options struct {
	CompressText   bool
	CompressRodata bool
	CompressData   bool
}

// DefaultOptions enables compression for all payload kinds.
func DefaultOptions() Options {
	return Options{CompressText: true, CompressRodata: true, CompressData: true}
}

func (o Options) compressKind(kind PayloadKind) bool {
	switch kind {
	case PayloadText:
		return o.CompressText
	case PayloadRodata:
		return o.CompressRodata
	case PayloadData:
		return o.CompressData
	default:
		return false
	}
}

// payloadResult is one segment's compression outcome.
type payloadResult struct {
	bytes      []byte
	compressed bool
}

// Build assembles a KIP from a parsed executable and its descriptor.
// Segment compression runs on one goroutine per payload kind; results
// are byte-identical regardless of scheduling because each segment is
// compressed independently from an immutable input. Returns the
// assembled file, any recoverable warnings, and the first fatal
// error.
func Build(image *elfimage.Image, desc *kcap.Descriptor, opts Options) (*File, []Warning, error) {
	words, err := kcap.Compile(desc.Capabilities)
	if err != nil {
		return nil, nil, err
	}

	segmentKinds := [PayloadCount]elfimage.SegmentKind{
		PayloadText:   elfimage.Text,
		PayloadRodata: elfimage.ReadOnlyData,
		PayloadData:   elfimage.Data,
	}

	var results [PayloadCount]payloadResult
	var wg sync.WaitGroup
	for kind := PayloadText; kind < PayloadCount; kind++ {
		raw := image.Segment(segmentKinds[kind]).Data
		if !opts.compressKind(kind) || len(raw) == 0 {
			results[kind] = payloadResult{bytes: raw}
			continue
		}
		wg.Add(1)
		go func(kind PayloadKind, raw []byte) {
			defer wg.Done()
			if blob, ok := blz.Compress(raw); ok {
				results[kind] = payloadResult{bytes: blob, compressed: true}
			} else {
				results[kind] = payloadResult{bytes: raw}
			}
		}(kind, raw)
	}
	wg.Wait()

	header := &Header{
		Name:                desc.Name,
		ProgramID:           desc.ProgramID,
		Version:             desc.Version,
		MainThreadPriority:  desc.MainThreadPriority,
		DefaultCPU:          desc.DefaultCPU,
		MainThreadStackSize: desc.MainThreadStackSize,
		UseSecureMemory:     desc.UseSecureMemory,
		Immortal:            desc.Immortal,
	}

	var warnings []Warning
	if len(desc.Name) > NameSize {
		header.Name = desc.Name[:NameSize]
		warnings = append(warnings, Warning{
			Code: WarnNameTruncated,
			Message: fmt.Sprintf("process name %q is %d bytes, truncated to %q (%d-byte field)",
				desc.Name, len(desc.Name), header.Name, NameSize),
		})
	}

	// Memory offset walk: segments load at page-rounded offsets in
	// kind order. Every size and offset must fit its 32-bit field.
	var memoryOffset uint64
	file := &File{Header: header}
	for kind := PayloadText; kind < PayloadCount; kind++ {
		raw := image.Segment(segmentKinds[kind]).Data
		result := results[kind]

		decompressed := uint64(len(raw))
		if decompressed > math.MaxUint32 {
			return nil, nil, fmt.Errorf("%w: %s segment is %d bytes, exceeding the 32-bit size field", ErrLayoutOverflow, kind, decompressed)
		}
		if memoryOffset > math.MaxUint32 {
			return nil, nil, fmt.Errorf("%w: %s segment memory offset %#x exceeds 32 bits", ErrLayoutOverflow, kind, memoryOffset)
		}

		header.Segments[kind] = SegmentEntry{
			MemoryOffset:     uint32(memoryOffset),
			DecompressedSize: uint32(decompressed),
			CompressedSize:   uint32(len(result.bytes)),
			Compressed:       result.compressed,
		}
		file.Payloads[kind] = result.bytes

		memoryOffset = roundUp(memoryOffset+decompressed, elfimage.PageAlignment)
	}

	bss := image.Segment(elfimage.ZeroFill)
	if bss.ZeroSize > math.MaxUint32 {
		return nil, nil, fmt.Errorf("%w: zero-fill segment is %#x bytes, exceeding the 32-bit size field", ErrLayoutOverflow, bss.ZeroSize)
	}
	if memoryOffset > math.MaxUint32 {
		return nil, nil, fmt.Errorf("%w: zero-fill memory offset %#x exceeds 32 bits", ErrLayoutOverflow, memoryOffset)
	}
	header.ZeroFillOffset = uint32(memoryOffset)
	header.ZeroFillSize = uint32(bss.ZeroSize)

	copy(header.Capabilities[:], words)
	for i := len(words); i < kcap.MaxWords; i++ {
		header.Capabilities[i] = kcap.PaddingWord
	}

	return file, warnings, nil
}

func roundUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
