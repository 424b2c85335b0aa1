// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blz

import (
	"encoding/binary"
	"fmt"
)

// FooterSize is the byte length of the footer appended to every
// compressed segment image.
const FooterSize = 12

// Footer is the trailer of a compressed segment image. The loader
// reads it from the last 12 bytes of the segment to size the in-place
// decode.
type Footer struct {
	// CompressedSize is the length of the compressed data, not
	// counting the footer itself.
	CompressedSize uint32

	// AdditionalSize is how much trailing space beyond the compressed
	// image (data plus footer) the decode buffer needs. The buffer
	// holding CompressedSize + FooterSize + AdditionalSize bytes is
	// exactly large enough for the decompressed output.
	AdditionalSize uint32

	// FooterSize is the footer's own length, always 12 in this
	// format revision.
	FooterSize uint32
}

// ParseFooter reads the footer from the tail of a compressed segment
// image.
func ParseFooter(blob []byte) (Footer, error) {
	if len(blob) < FooterSize {
		return Footer{}, fmt.Errorf("compressed image is %d bytes, smaller than the %d-byte footer", len(blob), FooterSize)
	}
	tail := blob[len(blob)-FooterSize:]
	f := Footer{
		CompressedSize: binary.LittleEndian.Uint32(tail[0:4]),
		AdditionalSize: binary.LittleEndian.Uint32(tail[4:8]),
		FooterSize:     binary.LittleEndian.Uint32(tail[8:12]),
	}
	if f.FooterSize != FooterSize {
		return Footer{}, fmt.Errorf("footer declares size %d, want %d", f.FooterSize, FooterSize)
	}
	if int(f.CompressedSize)+FooterSize != len(blob) {
		return Footer{}, fmt.Errorf("footer declares %d compressed bytes but image holds %d", f.CompressedSize, len(blob)-FooterSize)
	}
	return f, nil
}

// Compress encodes src as a backward-decodable compressed image:
// reversed LZSS stream followed by the footer. Returns ok=false when
// compression is not worthwhile (the image would not be smaller than
// src) or when the stream cannot be decoded in place without the
// write cursor crossing unread input; callers store such segments
// raw.
//
// The result is deterministic: equal inputs produce equal images.
func Compress(src []byte) ([]byte, bool) {
	if len(src) <= FooterSize {
		return nil, false
	}

	reversed := reverseBytes(src)
	stream := lzEncode(reversed)

	total := len(stream) + FooterSize
	if total >= len(src) {
		return nil, false
	}
	if !backwardSafe(stream, len(src)) {
		return nil, false
	}

	out := make([]byte, total)
	for i, b := range stream {
		out[len(stream)-1-i] = b
	}
	binary.LittleEndian.PutUint32(out[len(stream):], uint32(len(stream)))
	binary.LittleEndian.PutUint32(out[len(stream)+4:], uint32(len(src)-total))
	binary.LittleEndian.PutUint32(out[len(stream)+8:], FooterSize)
	return out, true
}

// Decompress reverses Compress by performing the same in-place
// backward decode the loader does: a buffer sized from the footer is
// seeded with the compressed data, then output is written from the
// buffer's end toward its start while input is consumed from the end
// of the compressed data toward its start.
func Decompress(blob []byte) ([]byte, error) {
	footer, err := ParseFooter(blob)
	if err != nil {
		return nil, err
	}

	compressedSize := int(footer.CompressedSize)
	originalSize := compressedSize + FooterSize + int(footer.AdditionalSize)

	buf := make([]byte, originalSize)
	copy(buf, blob[:compressedSize])

	r := compressedSize // unread input occupies buf[:r]
	w := originalSize   // decoded output occupies buf[w:]
	for w > 0 {
		if r <= 0 {
			return nil, fmt.Errorf("compressed input exhausted with %d output bytes unwritten", w)
		}
		r--
		control := buf[r]
		for bit := 0; bit < 8 && w > 0; bit++ {
			if control&(0x80>>uint(bit)) == 0 {
				if r <= 0 {
					return nil, fmt.Errorf("compressed input exhausted in literal")
				}
				r--
				w--
				buf[w] = buf[r]
				if w < r {
					return nil, fmt.Errorf("stream is not in-place safe: write cursor %d crossed unread input %d", w, r)
				}
				continue
			}

			if r < 2 {
				return nil, fmt.Errorf("compressed input exhausted in reference")
			}
			r--
			b0 := buf[r]
			r--
			b1 := buf[r]
			nibble := int(b0 >> 4)
			distance := (int(b0&0x0F)<<8 | int(b1)) + 1

			length := nibble + minMatch
			if nibble == escapeNibble {
				length = escapeBase
				for {
					if r <= 0 {
						return nil, fmt.Errorf("compressed input exhausted in length extension")
					}
					r--
					extension := buf[r]
					length += int(extension)
					if extension != 0xFF {
						break
					}
				}
			}

			if length > w {
				return nil, fmt.Errorf("reference overruns start of output buffer")
			}
			if w+distance > originalSize {
				return nil, fmt.Errorf("reference distance %d exceeds decoded output", distance)
			}
			for k := 0; k < length; k++ {
				w--
				buf[w] = buf[w+distance]
			}
			if w < r {
				return nil, fmt.Errorf("stream is not in-place safe: write cursor %d crossed unread input %d", w, r)
			}
		}
	}
	if r != 0 {
		return nil, fmt.Errorf("%d compressed bytes left undecoded", r)
	}
	return buf, nil
}

// backwardSafe simulates the loader's in-place decode cursors over a
// forward stream and reports whether the write cursor stays at or
// above the read cursor throughout. The stream is walked in forward
// order, which is the order the backward decoder consumes it.
func backwardSafe(stream []byte, originalSize int) bool {
	r := len(stream)
	w := originalSize
	i := 0
	for i < len(stream) {
		control := stream[i]
		i++
		r--
		for bit := 0; bit < 8 && i < len(stream); bit++ {
			if control&(0x80>>uint(bit)) == 0 {
				i++
				r--
				w--
			} else {
				nibble := int(stream[i] >> 4)
				tokenBytes := 2
				length := nibble + minMatch
				if nibble == escapeNibble {
					length = escapeBase
					for {
						extension := stream[i+tokenBytes]
						tokenBytes++
						length += int(extension)
						if extension != 0xFF {
							break
						}
					}
				}
				i += tokenBytes
				r -= tokenBytes
				w -= length
			}
			if w < r {
				return false
			}
		}
	}
	return true
}

func reverseBytes(src []byte) []byte {
	out := make([]byte, len(src))
	for i, b := range src {
		out[len(src)-1-i] = b
	}
	return out
}
