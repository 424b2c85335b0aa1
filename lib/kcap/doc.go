// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kcap compiles kernel capability descriptors into the packed
// 32-bit words the KIP loader consumes.
//
// A capability word carries no explicit discriminant: its kind is the
// count of consecutive set bits at the least-significant end, and the
// bits above that prefix hold the kind's payload. Inside this package
// capabilities are ordinary tagged variants ([ThreadInfo],
// [SyscallMask], ...); the bit-prefix trick lives only in the
// [Entry] encoders and [Word.Kind], which are tested against pinned
// vectors.
//
// Descriptors are authored as JSONC (JSON with comments and trailing
// commas): scalar process metadata plus a kernel_capabilities array
// of {type, value} objects. [ParseDescriptor] handles both stripping
// and validation.
package kcap
