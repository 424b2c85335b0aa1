// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blz implements the backward-decodable LZSS codec used for
// KIP segment payloads.
//
// The consuming loader decompresses segments in place: the compressed
// image is loaded at the segment's final address and decoded by
// reading the compressed bytes from the end toward the start while
// the output grows backward from the end of the buffer. No second
// buffer is allocated. To support this, the compressed image ends
// with a 12-byte footer recording the compressed data length, the
// extra trailing space the decoder needs beyond the compressed image,
// and the footer length itself.
//
// Internally the codec is a conventional forward LZSS pair (12-bit
// window, greedy longest-match, 8-token control bytes) applied to the
// reversed input; the serialization boundary reverses the stream and
// appends the footer. The matching logic is direction-agnostic and
// tested independently of the footer mechanics.
package blz
