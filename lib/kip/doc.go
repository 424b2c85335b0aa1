// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kip assembles (and reads back) Kernel Initial Process
// binaries: a fixed 0x100-byte header followed by the text, rodata,
// and data payloads in that order, each optionally compressed with
// the blz codec. The zero-fill segment contributes only a size field.
//
// All multi-byte fields are little endian. The header layout is
// pinned by the consuming loader and must not drift; format_test.go
// locks the byte offsets.
package kip
