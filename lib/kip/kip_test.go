// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/kiptool/lib/blz"
	"github.com/bureau-foundation/kiptool/lib/elfimage"
	"github.com/bureau-foundation/kiptool/lib/kcap"
)

func testImage(text, rodata, data []byte, bss uint64) *elfimage.Image {
	image := &elfimage.Image{}
	image.Segments[elfimage.Text] = elfimage.Segment{
		Kind: elfimage.Text, Alignment: elfimage.PageAlignment, Data: text,
	}
	image.Segments[elfimage.ReadOnlyData] = elfimage.Segment{
		Kind: elfimage.ReadOnlyData, Alignment: elfimage.PageAlignment, Data: rodata,
	}
	image.Segments[elfimage.Data] = elfimage.Segment{
		Kind: elfimage.Data, Alignment: elfimage.PageAlignment, Data: data,
	}
	image.Segments[elfimage.ZeroFill] = elfimage.Segment{
		Kind: elfimage.ZeroFill, Alignment: elfimage.PageAlignment, ZeroSize: bss,
	}
	return image
}

func testDescriptor(name string, capabilities ...kcap.Entry) *kcap.Descriptor {
	return &kcap.Descriptor{
		Name:                name,
		ProgramID:           0x0100000000001000,
		Version:             1,
		MainThreadPriority:  44,
		DefaultCPU:          3,
		MainThreadStackSize: 0x4000,
		UseSecureMemory:     true,
		Immortal:            true,
		Capabilities:        capabilities,
	}
}

func TestBuildHeaderLayout(t *testing.T) {
	image := testImage(fill(0x200, 0xAA), fill(0x100, 0xBB), fill(0x80, 0xCC), 0x1000)
	file, warnings, err := Build(image, testDescriptor("init"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	raw := file.Header.marshal()
	le := binary.LittleEndian

	if !bytes.Equal(raw[0:4], []byte("KIP1")) {
		t.Errorf("magic = %q", raw[0:4])
	}
	if !bytes.Equal(raw[4:16], append([]byte("init"), make([]byte, 8)...)) {
		t.Errorf("name field = %q", raw[4:16])
	}
	if got := le.Uint64(raw[0x10:]); got != 0x0100000000001000 {
		t.Errorf("program id = %#x", got)
	}
	if got := le.Uint32(raw[0x18:]); got != 1 {
		t.Errorf("version = %d", got)
	}
	if raw[0x1C] != 44 || raw[0x1D] != 3 {
		t.Errorf("priority/cpu = %d/%d", raw[0x1C], raw[0x1D])
	}
	if raw[0x1E] != 0 {
		t.Errorf("reserved byte = %#x", raw[0x1E])
	}
	// No compression requested: only the 64-bit, secure-memory, and
	// immortal bits.
	if raw[0x1F] != 0b0111_1000 {
		t.Errorf("flags = %#08b, want 0b01111000", raw[0x1F])
	}

	// Segment rows: text at 0x20, rodata at 0x30, data at 0x40, bss
	// at 0x50.
	if got := le.Uint32(raw[0x20:]); got != 0 {
		t.Errorf("text memory offset = %#x", got)
	}
	if got := le.Uint32(raw[0x24:]); got != 0x200 {
		t.Errorf("text decompressed size = %#x", got)
	}
	if got := le.Uint32(raw[0x30:]); got != 0x1000 {
		t.Errorf("rodata memory offset = %#x", got)
	}
	if got := le.Uint32(raw[0x40:]); got != 0x2000 {
		t.Errorf("data memory offset = %#x", got)
	}
	if got := le.Uint32(raw[0x50:]); got != 0x3000 {
		t.Errorf("bss memory offset = %#x", got)
	}
	if got := le.Uint32(raw[0x54:]); got != 0x1000 {
		t.Errorf("bss size = %#x", got)
	}
	// The stack size rides in the rodata row's attribute slot.
	if got := le.Uint32(raw[0x3C:]); got != 0x4000 {
		t.Errorf("stack size at 0x3C = %#x", got)
	}
	// Empty capability table: all padding words.
	for off := 0x80; off < 0x100; off += 4 {
		if got := le.Uint32(raw[off:]); got != 0xFFFFFFFF {
			t.Fatalf("capability slot at %#x = %#08x, want all-ones padding", off, got)
		}
	}
}

func TestBuildAllZeroTextScenario(t *testing.T) {
	// All-zero text compresses near-maximally; random rodata does
	// not compress and stays raw. Three capability entries yield
	// exactly three non-padding words.
	rng := rand.New(rand.NewSource(1))
	rodata := make([]byte, 0x800)
	rng.Read(rodata)

	desc := testDescriptor("zeroes",
		kcap.ThreadInfo{HighestPriority: 10, LowestPriority: 10, LowestCPU: 0, HighestCPU: 0},
		kcap.MinKernelVersion{Version: 0xA0},
		kcap.HandleTableSize{Size: 128},
	)
	file, _, err := Build(testImage(make([]byte, 0x1000), rodata, nil, 0), desc, DefaultOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !file.Header.Segments[PayloadText].Compressed {
		t.Error("all-zero text segment was not compressed")
	}
	if file.Header.Segments[PayloadText].CompressedSize >= 0x1000/8 {
		t.Errorf("all-zero text compressed to %d bytes, expected near-maximal ratio",
			file.Header.Segments[PayloadText].CompressedSize)
	}
	if file.Header.Segments[PayloadRodata].Compressed {
		t.Error("random rodata segment claims compression")
	}
	if got := file.Header.Segments[PayloadData].DecompressedSize; got != 0 {
		t.Errorf("absent data segment has size %d", got)
	}

	words := file.Header.CapabilityWords()
	if len(words) != 3 {
		t.Fatalf("got %d non-padding capability words, want 3", len(words))
	}
	wantKinds := []kcap.Kind{kcap.KindThreadInfo, kcap.KindMinKernelVersion, kcap.KindHandleTableSize}
	for i, kind := range wantKinds {
		if words[i].Kind() != kind {
			t.Errorf("capability word %d kind = %s, want %s", i, words[i].Kind(), kind)
		}
	}
	for _, word := range file.Header.Capabilities[len(words):] {
		if word != kcap.PaddingWord {
			t.Errorf("capability slot after the entries = %#08x, want padding", word)
		}
	}
}

func TestBuildLayoutConsistency(t *testing.T) {
	image := testImage(
		bytes.Repeat([]byte("text segment "), 600),
		bytes.Repeat([]byte("rodata! "), 700),
		bytes.Repeat([]byte{1, 2, 3, 4}, 800),
		0x2000,
	)
	file, _, err := Build(image, testDescriptor("layout"), DefaultOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Memory offsets strictly increase and never overlap the next
	// segment, and stored sizes account for the whole file after the
	// header.
	var payloadTotal int64
	previousEnd := uint32(0)
	for kind := PayloadText; kind < PayloadCount; kind++ {
		entry := file.Header.Segments[kind]
		if kind > PayloadText && entry.MemoryOffset <= file.Header.Segments[kind-1].MemoryOffset {
			t.Errorf("%s memory offset %#x does not increase", kind, entry.MemoryOffset)
		}
		if entry.MemoryOffset < previousEnd {
			t.Errorf("%s memory offset %#x overlaps previous segment end %#x", kind, entry.MemoryOffset, previousEnd)
		}
		if entry.CompressedSize > entry.DecompressedSize {
			t.Errorf("%s compressed size %d exceeds decompressed %d", kind, entry.CompressedSize, entry.DecompressedSize)
		}
		previousEnd = entry.MemoryOffset + entry.CompressedSize
		payloadTotal += int64(entry.CompressedSize)
	}
	if file.Header.ZeroFillOffset < previousEnd {
		t.Errorf("bss offset %#x overlaps previous segment end %#x", file.Header.ZeroFillOffset, previousEnd)
	}
	if file.Size() != int64(HeaderSize)+payloadTotal {
		t.Errorf("file size %d != header + payloads %d", file.Size(), int64(HeaderSize)+payloadTotal)
	}

	var buf bytes.Buffer
	n, err := file.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != file.Size() || int64(buf.Len()) != file.Size() {
		t.Errorf("wrote %d bytes, Size reports %d", buf.Len(), file.Size())
	}
}

func TestBuildDeterminism(t *testing.T) {
	image := testImage(
		bytes.Repeat([]byte("deterministic"), 500),
		fill(0x321, 0x42),
		nil,
		0,
	)
	desc := testDescriptor("same",
		kcap.HandleTableSize{Size: 16},
		kcap.ThreadInfo{LowestPriority: 63},
	)

	var first, second bytes.Buffer
	for i, buf := range []*bytes.Buffer{&first, &second} {
		file, _, err := Build(image, desc, DefaultOptions())
		if err != nil {
			t.Fatalf("Build %d: %v", i, err)
		}
		if _, err := file.WriteTo(buf); err != nil {
			t.Fatalf("WriteTo %d: %v", i, err)
		}
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("two builds of identical inputs differ")
	}
	if Digest(first.Bytes()) != Digest(second.Bytes()) {
		t.Fatal("digests of identical outputs differ")
	}
}

func TestBuildNameTruncation(t *testing.T) {
	desc := testDescriptor("twenty-char-process!")
	file, warnings, err := Build(testImage(fill(0x100, 1), nil, nil, 0), desc, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Code != WarnNameTruncated {
		t.Fatalf("warnings = %v, want one name-truncated warning", warnings)
	}
	if file.Header.Name != "twenty-char-" {
		t.Errorf("truncated name = %q", file.Header.Name)
	}
}

func TestBuildLayoutOverflow(t *testing.T) {
	image := testImage(fill(0x100, 1), nil, nil, uint64(5)<<30)
	_, _, err := Build(image, testDescriptor("big"), Options{})
	if !errors.Is(err, ErrLayoutOverflow) {
		t.Errorf("err = %v, want ErrLayoutOverflow", err)
	}
}

func TestBuildInvalidCapabilityPropagates(t *testing.T) {
	desc := testDescriptor("caps", kcap.ThreadInfo{}, kcap.ThreadInfo{})
	_, _, err := Build(testImage(fill(0x100, 1), nil, nil, 0), desc, Options{})
	if !errors.Is(err, kcap.ErrInvalidCapability) {
		t.Errorf("err = %v, want ErrInvalidCapability", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("round trip "), 700)
	rodata := fill(0x222, 0x55)
	image := testImage(text, rodata, nil, 0x1000)
	desc := testDescriptor("roundtrip", kcap.MinKernelVersion{Version: 0xA0})

	file, _, err := Build(image, desc, DefaultOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Header.Name != "roundtrip" {
		t.Errorf("Name = %q", got.Header.Name)
	}
	if got.Header.ProgramID != file.Header.ProgramID {
		t.Errorf("ProgramID = %#x", got.Header.ProgramID)
	}
	if got.Header.MainThreadStackSize != 0x4000 {
		t.Errorf("stack size = %#x", got.Header.MainThreadStackSize)
	}
	if len(got.Header.CapabilityWords()) != 1 {
		t.Errorf("capability words = %d, want 1", len(got.Header.CapabilityWords()))
	}
	if err := got.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	entry := got.Header.Segments[PayloadText]
	if entry.Compressed {
		decoded, err := blz.Decompress(got.Payloads[PayloadText])
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(decoded, text) {
			t.Error("decompressed text differs from original")
		}
	} else if !bytes.Equal(got.Payloads[PayloadText], text) {
		t.Error("raw text payload differs from original")
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, "NOPE")
	if _, err := Read(bytes.NewReader(raw)); err == nil {
		t.Error("Read accepted a bad magic tag")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	file, _, err := Build(testImage(fill(0x100, 7), nil, nil, 0), testDescriptor("atomic"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path := filepath.Join(dir, "out.kip")
	if err := file.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadFile(path); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// No stray temp files remain after a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("output dir has %d entries, want only the output file", len(entries))
	}

	// A failing destination leaves nothing behind.
	missing := filepath.Join(dir, "no-such-subdir", "out.kip")
	if err := file.WriteFile(missing); err == nil {
		t.Error("WriteFile to a missing directory should fail")
	}
	if _, err := os.Stat(missing); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed write left a file at the destination")
	}
}

func fill(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}
