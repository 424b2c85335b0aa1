// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/kiptool/lib/kcap"
)

// Fixed header geometry. These are format constants shared with the
// consuming loader.
const (
	// HeaderSize is the fixed header length; payload bytes start
	// immediately after.
	HeaderSize = 0x100

	// NameSize is the fixed width of the process name field.
	NameSize = 12

	// segmentTableOffset is where the six 16-byte segment rows
	// start.
	segmentTableOffset = 0x20
	segmentRowSize     = 0x10
	segmentRows        = 6

	// capabilityTableOffset is where the 32-word capability table
	// starts; it runs to the end of the header.
	capabilityTableOffset = 0x80

	// stackSizeOffset is where the main thread stack size lives: the
	// attribute slot of the rodata segment row. A quirk of the
	// format, kept bit-exact.
	stackSizeOffset = 0x3C
)

// magic is the 4-byte header tag.
var magic = [4]byte{'K', 'I', 'P', '1'}

// Header flag bits.
const (
	flagTextCompressed   = 1 << 0
	flagRodataCompressed = 1 << 1
	flagDataCompressed   = 1 << 2
	flag64BitInstruction = 1 << 3
	flag64BitAddress     = 1 << 4
	flagUseSecureMemory  = 1 << 5
	flagImmortal         = 1 << 6
)

// PayloadKind indexes the payload-bearing segment rows.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadRodata
	PayloadData

	// PayloadCount is the number of payload-bearing rows; the bss
	// row follows them.
	PayloadCount
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadRodata:
		return "rodata"
	case PayloadData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SegmentEntry is one row of the header's segment table.
type SegmentEntry struct {
	// MemoryOffset is the segment's load offset, page rounded, in
	// the process address space.
	MemoryOffset uint32

	// DecompressedSize is the in-memory payload size.
	DecompressedSize uint32

	// CompressedSize is the stored payload size; equal to
	// DecompressedSize when the payload is raw, zero for bss.
	CompressedSize uint32

	// Compressed reports whether the stored payload is blz
	// compressed. Held in the header flags byte, not the row itself.
	Compressed bool
}

// Header is the decoded fixed header.
type Header struct {
	// Name is the process name, at most NameSize bytes.
	Name string

	ProgramID uint64
	Version   uint32

	MainThreadPriority  uint8
	DefaultCPU          uint8
	MainThreadStackSize uint32

	UseSecureMemory bool
	Immortal        bool

	// Segments holds the text, rodata, and data rows indexed by
	// PayloadKind.
	Segments [PayloadCount]SegmentEntry

	// ZeroFillSize is the bss row's size field.
	ZeroFillSize uint32

	// ZeroFillOffset is the bss row's memory offset.
	ZeroFillOffset uint32

	// Capabilities is the full 32-slot capability table including
	// padding words.
	Capabilities [kcap.MaxWords]kcap.Word
}

// CapabilityWords returns the table with trailing padding words
// trimmed.
func (h *Header) CapabilityWords() []kcap.Word {
	words := h.Capabilities[:]
	for len(words) > 0 && words[len(words)-1] == kcap.PaddingWord {
		words = words[:len(words)-1]
	}
	return words
}

// flags folds the boolean header state into the flags byte.
func (h *Header) flags() uint8 {
	var f uint8 = flag64BitInstruction | flag64BitAddress
	if h.Segments[PayloadText].Compressed {
		f |= flagTextCompressed
	}
	if h.Segments[PayloadRodata].Compressed {
		f |= flagRodataCompressed
	}
	if h.Segments[PayloadData].Compressed {
		f |= flagDataCompressed
	}
	if h.UseSecureMemory {
		f |= flagUseSecureMemory
	}
	if h.Immortal {
		f |= flagImmortal
	}
	return f
}

// marshal encodes the header into its fixed 0x100-byte form.
func (h *Header) marshal() []byte {
	out := make([]byte, HeaderSize)
	le := binary.LittleEndian

	copy(out[0:4], magic[:])
	copy(out[4:4+NameSize], h.Name) // left aligned, remainder stays zero
	le.PutUint64(out[0x10:], h.ProgramID)
	le.PutUint32(out[0x18:], h.Version)
	out[0x1C] = h.MainThreadPriority
	out[0x1D] = h.DefaultCPU
	// 0x1E reserved
	out[0x1F] = h.flags()

	for kind := PayloadText; kind < PayloadCount; kind++ {
		row := segmentTableOffset + int(kind)*segmentRowSize
		entry := h.Segments[kind]
		le.PutUint32(out[row:], entry.MemoryOffset)
		le.PutUint32(out[row+4:], entry.DecompressedSize)
		le.PutUint32(out[row+8:], entry.CompressedSize)
	}
	bssRow := segmentTableOffset + int(PayloadCount)*segmentRowSize
	le.PutUint32(out[bssRow:], h.ZeroFillOffset)
	le.PutUint32(out[bssRow+4:], h.ZeroFillSize)
	// bss stores no bytes; compressed size stays zero. Rows 4 and 5
	// are reserved and stay zero.

	le.PutUint32(out[stackSizeOffset:], h.MainThreadStackSize)

	for i, word := range h.Capabilities {
		le.PutUint32(out[capabilityTableOffset+4*i:], uint32(word))
	}
	return out
}

// unmarshalHeader decodes a fixed header, validating the magic tag.
func unmarshalHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("header is %d bytes, want %d", len(raw), HeaderSize)
	}
	if !bytes.Equal(raw[0:4], magic[:]) {
		return nil, fmt.Errorf("not a KIP file (magic %q)", raw[0:4])
	}
	le := binary.LittleEndian

	h := &Header{
		Name:               string(bytes.TrimRight(raw[4:4+NameSize], "\x00")),
		ProgramID:          le.Uint64(raw[0x10:]),
		Version:            le.Uint32(raw[0x18:]),
		MainThreadPriority: raw[0x1C],
		DefaultCPU:         raw[0x1D],
	}
	flags := raw[0x1F]
	h.UseSecureMemory = flags&flagUseSecureMemory != 0
	h.Immortal = flags&flagImmortal != 0

	compressedBits := [PayloadCount]uint8{flagTextCompressed, flagRodataCompressed, flagDataCompressed}
	for kind := PayloadText; kind < PayloadCount; kind++ {
		row := segmentTableOffset + int(kind)*segmentRowSize
		h.Segments[kind] = SegmentEntry{
			MemoryOffset:     le.Uint32(raw[row:]),
			DecompressedSize: le.Uint32(raw[row+4:]),
			CompressedSize:   le.Uint32(raw[row+8:]),
			Compressed:       flags&compressedBits[kind] != 0,
		}
	}
	bssRow := segmentTableOffset + int(PayloadCount)*segmentRowSize
	h.ZeroFillOffset = le.Uint32(raw[bssRow:])
	h.ZeroFillSize = le.Uint32(raw[bssRow+4:])

	h.MainThreadStackSize = le.Uint32(raw[stackSizeOffset:])

	for i := range h.Capabilities {
		h.Capabilities[i] = kcap.Word(le.Uint32(raw[capabilityTableOffset+4*i:]))
	}
	return h, nil
}
