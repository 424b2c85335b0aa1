// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kip

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/kiptool/lib/blz"
)

// File is an assembled KIP: the header plus the stored payload bytes
// (compressed or raw) for each payload kind.
type File struct {
	Header   *Header
	Payloads [PayloadCount][]byte
}

// Size returns the total serialized size in bytes.
func (f *File) Size() int64 {
	size := int64(HeaderSize)
	for _, payload := range f.Payloads {
		size += int64(len(payload))
	}
	return size
}

// WriteTo serializes the file: header, then payloads in kind order.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var written int64
	n, err := w.Write(f.Header.marshal())
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("writing header: %w", err)
	}
	for kind := PayloadText; kind < PayloadCount; kind++ {
		n, err := w.Write(f.Payloads[kind])
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing %s payload: %w", kind, err)
		}
	}
	return written, nil
}

// WriteFile writes the file to path through a temp file in the same
// directory and an atomic rename, so a failed run never leaves a
// partial file at the destination.
func (f *File) WriteFile(path string) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp output file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.WriteTo(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp output file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming output to %s: %w", path, err)
	}
	success = true
	return nil
}

// Read parses a serialized KIP back into a File. The reader must be
// positioned at the start of the header.
func Read(r io.Reader) (*File, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header, err := unmarshalHeader(raw)
	if err != nil {
		return nil, err
	}

	file := &File{Header: header}
	for kind := PayloadText; kind < PayloadCount; kind++ {
		payload := make([]byte, header.Segments[kind].CompressedSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading %s payload (%d bytes): %w", kind, len(payload), err)
		}
		file.Payloads[kind] = payload
	}
	return file, nil
}

// ReadFile parses the KIP at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	file, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Verify decompresses every compressed payload and checks each
// payload's decoded size against the header's decompressed size.
func (f *File) Verify() error {
	for kind := PayloadText; kind < PayloadCount; kind++ {
		entry := f.Header.Segments[kind]
		payload := f.Payloads[kind]
		if !entry.Compressed {
			if uint32(len(payload)) != entry.DecompressedSize {
				return fmt.Errorf("%s: raw payload is %d bytes, header declares %d", kind, len(payload), entry.DecompressedSize)
			}
			continue
		}
		decoded, err := blz.Decompress(payload)
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		if uint32(len(decoded)) != entry.DecompressedSize {
			return fmt.Errorf("%s: decompressed to %d bytes, header declares %d", kind, len(decoded), entry.DecompressedSize)
		}
	}
	return nil
}

// Digest returns the BLAKE3 content digest of data. Used for build
// summaries and determinism checks.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}
