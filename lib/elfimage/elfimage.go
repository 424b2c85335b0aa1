// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfimage extracts loadable segments from a statically
// linked ELF executable and normalizes them to the four-kind model
// the KIP format uses: one text, one read-only data, and one
// read-write data segment carrying bytes, plus a size-only zero-fill
// segment. Multiple ELF load segments sharing a permission class are
// coalesced, with alignment gaps zero-filled.
package elfimage

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// PageAlignment is the target's page granularity. Segment memory
// offsets in the output are rounded up to it.
const PageAlignment = 0x1000

// ErrMalformedInput reports a structurally invalid executable:
// unsupported machine or format, overlapping or misordered load
// segments, or a missing executable region.
var ErrMalformedInput = errors.New("malformed executable")

// SegmentKind classifies a logical segment.
type SegmentKind int

const (
	Text SegmentKind = iota
	ReadOnlyData
	Data
	ZeroFill
)

func (k SegmentKind) String() string {
	switch k {
	case Text:
		return "text"
	case ReadOnlyData:
		return "rodata"
	case Data:
		return "data"
	case ZeroFill:
		return "bss"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Segment is one logical memory region of the process image. Payload
// kinds carry Data; ZeroFill carries only ZeroSize.
type Segment struct {
	Kind           SegmentKind
	VirtualAddress uint64
	Alignment      uint64

	// Data is the raw segment payload. Nil for ZeroFill; may be
	// empty for a payload kind absent from the executable.
	Data []byte

	// ZeroSize is the zero-fill size for ZeroFill segments.
	ZeroSize uint64
}

// Size returns the segment's contribution to the process address
// space: payload length for payload kinds, ZeroSize for ZeroFill.
func (s Segment) Size() uint64 {
	if s.Kind == ZeroFill {
		return s.ZeroSize
	}
	return uint64(len(s.Data))
}

// Image is a parsed executable: the four logical segments in kind
// order plus the entry point. Immutable once loaded.
type Image struct {
	Segments [4]Segment
	Entry    uint64
}

// Segment returns the logical segment of the given kind.
func (im *Image) Segment(kind SegmentKind) Segment {
	return im.Segments[kind]
}

// Load parses the executable at path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	image, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return image, nil
}

// loadPiece is one PT_LOAD program header's contribution to a
// permission class before coalescing.
type loadPiece struct {
	vaddr   uint64
	data    []byte
	memSize uint64
}

// Parse reads an ELF image and extracts its logical segments.
func Parse(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_ARM && f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: machine %v is not ARM or AArch64", ErrMalformedInput, f.Machine)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: big-endian images are not supported", ErrMalformedInput)
	}

	pieces := make(map[SegmentKind][]loadPiece)
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		kind := classify(prog.Flags)
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("%w: reading load segment %d: %v", ErrMalformedInput, i, err)
		}
		pieces[kind] = append(pieces[kind], loadPiece{
			vaddr:   prog.Vaddr,
			data:    data,
			memSize: prog.Memsz,
		})
	}

	if len(pieces[Text]) == 0 {
		return nil, fmt.Errorf("%w: no executable load segment", ErrMalformedInput)
	}

	image := &Image{Entry: f.Entry}
	var bssSize uint64
	for _, kind := range []SegmentKind{Text, ReadOnlyData, Data} {
		segment, memEnd, err := coalesce(kind, pieces[kind])
		if err != nil {
			return nil, err
		}
		image.Segments[kind] = segment

		if kind == Data && memEnd > 0 {
			// Zero-fill tail of the read-write class: memory size
			// beyond the file-backed bytes, page rounded.
			fileEnd := roundUp(uint64(len(segment.Data)), PageAlignment)
			span := memEnd - segment.VirtualAddress
			if span > fileEnd {
				bssSize = roundUp(span-fileEnd, PageAlignment)
			}
		}
	}
	image.Segments[ZeroFill] = Segment{
		Kind:      ZeroFill,
		Alignment: PageAlignment,
		ZeroSize:  bssSize,
	}

	if err := checkOrdering(image); err != nil {
		return nil, err
	}
	return image, nil
}

// classify maps ELF segment permissions to a logical kind: anything
// executable is text, anything writable is data, the rest is
// read-only data.
func classify(flags elf.ProgFlag) SegmentKind {
	switch {
	case flags&elf.PF_X != 0:
		return Text
	case flags&elf.PF_W != 0:
		return Data
	default:
		return ReadOnlyData
	}
}

// coalesce merges all load pieces of one permission class into a
// single logical segment, zero-filling alignment gaps. Returns the
// segment and the highest memory address the class reaches.
func coalesce(kind SegmentKind, pieces []loadPiece) (Segment, uint64, error) {
	segment := Segment{Kind: kind, Alignment: PageAlignment}
	if len(pieces) == 0 {
		segment.Data = []byte{}
		return segment, 0, nil
	}

	sorted := append([]loadPiece(nil), pieces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].vaddr < sorted[j].vaddr })

	segment.VirtualAddress = sorted[0].vaddr
	var memEnd uint64
	buf := []byte{}
	for _, piece := range sorted {
		end := segment.VirtualAddress + uint64(len(buf))
		if piece.vaddr < end {
			return Segment{}, 0, fmt.Errorf("%w: %s load segments overlap at %#x", ErrMalformedInput, kind, piece.vaddr)
		}
		gap := piece.vaddr - end
		if gap >= PageAlignment {
			return Segment{}, 0, fmt.Errorf("%w: %s load segments leave a %#x-byte gap at %#x, beyond page rounding", ErrMalformedInput, kind, gap, end)
		}
		buf = append(buf, make([]byte, gap)...)
		buf = append(buf, piece.data...)
		if pieceEnd := piece.vaddr + piece.memSize; pieceEnd > memEnd {
			memEnd = pieceEnd
		}
	}
	segment.Data = buf
	return segment, memEnd, nil
}

// checkOrdering enforces increasing, non-overlapping virtual layout
// across the payload classes in kind order. Empty classes are
// skipped.
func checkOrdering(image *Image) error {
	var prev *Segment
	for kind := Text; kind <= Data; kind++ {
		segment := &image.Segments[kind]
		if len(segment.Data) == 0 {
			continue
		}
		if prev != nil {
			prevEnd := prev.VirtualAddress + uint64(len(prev.Data))
			if segment.VirtualAddress < prevEnd {
				return fmt.Errorf("%w: %s at %#x overlaps %s ending at %#x",
					ErrMalformedInput, segment.Kind, segment.VirtualAddress, prev.Kind, prevEnd)
			}
		}
		prev = segment
	}
	return nil
}

func roundUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
