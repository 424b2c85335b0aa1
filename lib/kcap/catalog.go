// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kcap

import (
	"fmt"
	"math/bits"
)

// catalogVersion tracks the pinned capability catalog below. The tag
// prefixes and field widths come from the target loader's published
// format and must match it bit-for-bit; bump this only together with
// a loader format revision.
const catalogVersion = 1

// Kind identifies a capability variant. The numeric value is the
// count of consecutive set low-order bits that tags the kind in a
// packed word.
type Kind int

const (
	// KindThreadInfo bounds thread priorities and the allowed CPU
	// core range.
	KindThreadInfo Kind = 3

	// KindSyscallMask grants syscalls in one 24-syscall group. A
	// full syscall set spans multiple words distinguished by a group
	// index sub-field.
	KindSyscallMask Kind = 4

	// KindMapRange grants a mappable physical range. Encoded as two
	// consecutive words: address then size.
	KindMapRange Kind = 6

	// KindMapPage grants a single mappable I/O page.
	KindMapPage Kind = 7

	// KindMapRegion grants up to three mappable named regions.
	KindMapRegion Kind = 10

	// KindIRQPair grants up to two interrupt numbers.
	KindIRQPair Kind = 11

	// KindApplicationType declares the process category.
	KindApplicationType Kind = 13

	// KindMinKernelVersion declares the lowest kernel version the
	// process accepts.
	KindMinKernelVersion Kind = 14

	// KindHandleTableSize sizes the process handle table.
	KindHandleTableSize Kind = 15

	// KindDebugFlags declares debug permissions.
	KindDebugFlags Kind = 16

	// KindPadding is the all-ones terminator filling unused
	// capability table slots.
	KindPadding Kind = 32

	// KindInvalid is returned for words whose tag prefix matches no
	// catalog entry.
	KindInvalid Kind = -1
)

// catalogOrder lists the kinds in canonical emission order. Compile
// emits words in this order regardless of descriptor order so equal
// descriptors always produce equal tables.
var catalogOrder = []Kind{
	KindThreadInfo,
	KindSyscallMask,
	KindMapRange,
	KindMapPage,
	KindMapRegion,
	KindIRQPair,
	KindApplicationType,
	KindMinKernelVersion,
	KindHandleTableSize,
	KindDebugFlags,
}

// exclusiveKinds may appear at most once per descriptor.
var exclusiveKinds = map[Kind]bool{
	KindThreadInfo:       true,
	KindApplicationType:  true,
	KindMinKernelVersion: true,
	KindHandleTableSize:  true,
	KindDebugFlags:       true,
}

func (k Kind) String() string {
	switch k {
	case KindThreadInfo:
		return "kernel_flags"
	case KindSyscallMask:
		return "syscalls"
	case KindMapRange:
		return "map"
	case KindMapPage:
		return "map_page"
	case KindMapRegion:
		return "map_region"
	case KindIRQPair:
		return "irq_pair"
	case KindApplicationType:
		return "application_type"
	case KindMinKernelVersion:
		return "min_kernel_version"
	case KindHandleTableSize:
		return "handle_table_size"
	case KindDebugFlags:
		return "debug_flags"
	case KindPadding:
		return "padding"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Word is one packed 32-bit capability word.
type Word uint32

// PaddingWord fills unused capability table slots; its tag prefix is
// all 32 bits.
const PaddingWord Word = 0xFFFFFFFF

// tagPrefix returns the low tag bits for a kind: count set bits
// followed by a zero.
func tagPrefix(k Kind) Word {
	return Word(1<<uint(k)) - 1
}

// Kind recovers a word's variant from its trailing-ones count. Words
// whose prefix matches no catalog entry report KindInvalid.
func (w Word) Kind() Kind {
	ones := bits.TrailingZeros32(^uint32(w))
	switch Kind(ones) {
	case KindThreadInfo, KindSyscallMask, KindMapRange, KindMapPage,
		KindMapRegion, KindIRQPair, KindApplicationType,
		KindMinKernelVersion, KindHandleTableSize, KindDebugFlags,
		KindPadding:
		return Kind(ones)
	default:
		return KindInvalid
	}
}
