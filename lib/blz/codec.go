// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blz

import "fmt"

// Forward codec parameters. These are format constants — the
// consuming loader hard-codes them, so changing any of them breaks
// every KIP this tool produces.
const (
	// windowSize is the back-reference window. Distances are stored
	// in 12 bits as distance-1, so references reach at most 4096
	// bytes back.
	windowSize = 4096

	// minMatch is the shortest back-reference worth encoding. A
	// 2-byte match costs as much as two literals plus control bits,
	// so matches start at 3.
	minMatch = 3

	// maxInlineLength is the longest match expressible by the length
	// nibble alone (nibble values 0..14 map to lengths 3..17).
	maxInlineLength = maxInlineNibble + minMatch

	maxInlineNibble = 14
	escapeNibble    = 15

	// escapeBase is the starting length when the nibble escapes to
	// extension bytes. Each extension byte adds its value; a 0xFF
	// extension byte continues the run, so lengths are unbounded.
	escapeBase = 18
)

// lzEncode compresses src with the forward LZSS codec: a control
// byte precedes each group of eight tokens, its bits (MSB first)
// marking back-references. Matching is greedy — the longest match in
// the window wins, ties resolved toward the smallest distance — so
// the output is a pure function of the input.
func lzEncode(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}

	out := make([]byte, 0, len(src)/2+16)
	m := newMatcher(src)

	controlIndex := -1
	controlBits := 0

	// nextToken reserves a control bit for the upcoming token,
	// starting a new control byte every eight tokens.
	nextToken := func(isReference bool) {
		if controlBits == 0 {
			controlIndex = len(out)
			out = append(out, 0)
			controlBits = 8
		}
		controlBits--
		if isReference {
			out[controlIndex] |= 1 << uint(controlBits)
		}
	}

	pos := 0
	for pos < len(src) {
		best := m.find(pos)
		if best.length >= minMatch {
			nextToken(true)
			out = appendReference(out, best)
			for i := 0; i < best.length; i++ {
				m.insert(pos + i)
			}
			pos += best.length
		} else {
			nextToken(false)
			out = append(out, src[pos])
			m.insert(pos)
			pos++
		}
	}
	return out
}

// appendReference encodes one back-reference token: a length nibble
// and a 12-bit distance-1 field in two bytes, followed by extension
// bytes when the length escapes the nibble range.
func appendReference(out []byte, ref match) []byte {
	distance := ref.distance - 1
	nibble := escapeNibble
	if ref.length <= maxInlineLength {
		nibble = ref.length - minMatch
	}
	out = append(out, byte(nibble<<4)|byte(distance>>8), byte(distance))
	if nibble == escapeNibble {
		remaining := ref.length - escapeBase
		for remaining >= 0xFF {
			out = append(out, 0xFF)
			remaining -= 0xFF
		}
		out = append(out, byte(remaining))
	}
	return out
}

// lzDecode is the forward inverse of lzEncode. size is the expected
// decoded length; the stream must decode to exactly that many bytes
// with no trailing input.
func lzDecode(stream []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	i := 0
	for len(out) < size {
		if i >= len(stream) {
			return nil, fmt.Errorf("compressed stream truncated at control byte (decoded %d of %d bytes)", len(out), size)
		}
		control := stream[i]
		i++
		for bit := 0; bit < 8 && len(out) < size; bit++ {
			if control&(0x80>>uint(bit)) == 0 {
				if i >= len(stream) {
					return nil, fmt.Errorf("compressed stream truncated in literal (decoded %d of %d bytes)", len(out), size)
				}
				out = append(out, stream[i])
				i++
				continue
			}

			if i+2 > len(stream) {
				return nil, fmt.Errorf("compressed stream truncated in reference (decoded %d of %d bytes)", len(out), size)
			}
			nibble := int(stream[i] >> 4)
			distance := (int(stream[i]&0x0F)<<8 | int(stream[i+1])) + 1
			i += 2

			length := nibble + minMatch
			if nibble == escapeNibble {
				length = escapeBase
				for {
					if i >= len(stream) {
						return nil, fmt.Errorf("compressed stream truncated in length extension")
					}
					extension := stream[i]
					i++
					length += int(extension)
					if extension != 0xFF {
						break
					}
				}
			}

			if distance > len(out) {
				return nil, fmt.Errorf("reference distance %d exceeds %d decoded bytes", distance, len(out))
			}
			if len(out)+length > size {
				return nil, fmt.Errorf("reference overruns decoded size %d", size)
			}
			// Byte-at-a-time copy: distance < length means the
			// reference overlaps its own output.
			for k := 0; k < length; k++ {
				out = append(out, out[len(out)-distance])
			}
		}
	}
	if i != len(stream) {
		return nil, fmt.Errorf("%d trailing bytes after decoding %d bytes", len(stream)-i, size)
	}
	return out, nil
}
