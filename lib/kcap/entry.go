// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kcap

import (
	"errors"
	"fmt"
)

// ErrInvalidCapability reports a structurally invalid capability
// entry: a field exceeding its bit width, a missing required field,
// or a duplicated exclusive kind.
var ErrInvalidCapability = errors.New("invalid capability")

// Entry is one parsed capability request. Concrete types are the
// variants of the catalog; each knows how to validate its field
// widths and encode itself to packed words.
type Entry interface {
	// Kind returns the catalog kind this entry encodes as.
	Kind() Kind

	// Validate checks field widths and internal consistency.
	Validate() error

	// words appends the entry's packed words. Called only after
	// Validate succeeds.
	words(dst []Word) []Word
}

// invalidf wraps ErrInvalidCapability with a formatted detail.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCapability, fmt.Sprintf(format, args...))
}

// ThreadInfo bounds the priorities and CPU cores the process may use
// for its threads.
type ThreadInfo struct {
	HighestPriority uint32 // numerically lowest value, 0..63
	LowestPriority  uint32 // numerically highest value, 0..63
	LowestCPU       uint32 // first allowed core, 0..255
	HighestCPU      uint32 // last allowed core, 0..255
}

func (e ThreadInfo) Kind() Kind { return KindThreadInfo }

func (e ThreadInfo) Validate() error {
	if e.HighestPriority > 63 {
		return invalidf("kernel_flags: highest_thread_priority %d exceeds 63", e.HighestPriority)
	}
	if e.LowestPriority > 63 {
		return invalidf("kernel_flags: lowest_thread_priority %d exceeds 63", e.LowestPriority)
	}
	if e.LowestCPU > 0xFF {
		return invalidf("kernel_flags: lowest_cpu_id %d exceeds 255", e.LowestCPU)
	}
	if e.HighestCPU > 0xFF {
		return invalidf("kernel_flags: highest_cpu_id %d exceeds 255", e.HighestCPU)
	}
	return nil
}

func (e ThreadInfo) words(dst []Word) []Word {
	w := tagPrefix(KindThreadInfo)
	w |= Word(e.HighestPriority) << 4
	w |= Word(e.LowestPriority) << 10
	w |= Word(e.LowestCPU) << 16
	w |= Word(e.HighestCPU) << 24
	return append(dst, w)
}

// syscallGroups is the number of 24-syscall groups; syscall numbers
// run 0..0xBF.
const (
	syscallGroupBits = 24
	syscallGroups    = 8
	maxSyscall       = 0xBF
)

// SyscallMask is the set of syscall numbers the process may invoke.
// It encodes as one word per non-empty 24-syscall group, each tagged
// identically and carrying the group index in the top three bits.
type SyscallMask struct {
	// Syscalls maps descriptor names (documentation only) to syscall
	// numbers.
	Syscalls map[string]uint32
}

func (e SyscallMask) Kind() Kind { return KindSyscallMask }

func (e SyscallMask) Validate() error {
	for name, number := range e.Syscalls {
		if number > maxSyscall {
			return invalidf("syscalls: %q = %#x exceeds %#x", name, number, maxSyscall)
		}
	}
	return nil
}

// groups folds the syscall set into per-group bitmasks.
func (e SyscallMask) groups() [syscallGroups]uint32 {
	var g [syscallGroups]uint32
	for _, number := range e.Syscalls {
		g[number/syscallGroupBits] |= 1 << (number % syscallGroupBits)
	}
	return g
}

func (e SyscallMask) words(dst []Word) []Word {
	for index, mask := range e.groups() {
		if mask == 0 {
			continue
		}
		w := tagPrefix(KindSyscallMask)
		w |= Word(mask) << 5
		w |= Word(index) << 29
		dst = append(dst, w)
	}
	return dst
}

// MapRange grants a mappable physical range: an address word followed
// by a size word.
type MapRange struct {
	Address  uint32 // physical page number, 24 bits
	Size     uint32 // page count, 20 bits
	ReadOnly bool
	IO       bool
}

func (e MapRange) Kind() Kind { return KindMapRange }

func (e MapRange) Validate() error {
	if e.Address >= 1<<24 {
		return invalidf("map: address %#x exceeds 24 bits", e.Address)
	}
	if e.Size >= 1<<20 {
		return invalidf("map: size %#x exceeds 20 bits", e.Size)
	}
	return nil
}

func (e MapRange) words(dst []Word) []Word {
	addr := tagPrefix(KindMapRange) | Word(e.Address)<<7
	if e.ReadOnly {
		addr |= 1 << 31
	}
	size := tagPrefix(KindMapRange) | Word(e.Size)<<7
	if e.IO {
		size |= 1 << 31
	}
	return append(dst, addr, size)
}

// MapPage grants a single mappable I/O page.
type MapPage struct {
	Page uint32 // physical page number, 24 bits
}

func (e MapPage) Kind() Kind { return KindMapPage }

func (e MapPage) Validate() error {
	if e.Page >= 1<<24 {
		return invalidf("map_page: page %#x exceeds 24 bits", e.Page)
	}
	return nil
}

func (e MapPage) words(dst []Word) []Word {
	return append(dst, tagPrefix(KindMapPage)|Word(e.Page)<<8)
}

// Region is one named-region grant inside a MapRegion entry.
type Region struct {
	Type     uint32 // region selector, 0..3
	ReadOnly bool
}

// MapRegion grants up to three mappable named regions in one word.
type MapRegion struct {
	Regions []Region
}

func (e MapRegion) Kind() Kind { return KindMapRegion }

func (e MapRegion) Validate() error {
	if len(e.Regions) == 0 {
		return invalidf("map_region: no regions given")
	}
	if len(e.Regions) > 3 {
		return invalidf("map_region: %d regions exceeds the maximum of 3", len(e.Regions))
	}
	for i, r := range e.Regions {
		if r.Type > 3 {
			return invalidf("map_region: region %d type %d exceeds 3", i, r.Type)
		}
	}
	return nil
}

func (e MapRegion) words(dst []Word) []Word {
	w := tagPrefix(KindMapRegion)
	for i, r := range e.Regions {
		w |= Word(r.Type) << (11 + 7*uint(i))
		if r.ReadOnly {
			w |= 1 << (17 + 7*uint(i))
		}
	}
	return append(dst, w)
}

// irqNone is the encoded value of an absent IRQ slot.
const irqNone = 0x3FF

// IRQPair grants up to two interrupt numbers. A nil slot means the
// slot is unused.
type IRQPair struct {
	First  *uint32 // 10 bits, nil for unused
	Second *uint32
}

func (e IRQPair) Kind() Kind { return KindIRQPair }

func (e IRQPair) Validate() error {
	for i, irq := range []*uint32{e.First, e.Second} {
		if irq != nil && *irq >= irqNone {
			return invalidf("irq_pair: interrupt %d value %#x exceeds %#x", i, *irq, irqNone-1)
		}
	}
	return nil
}

func (e IRQPair) words(dst []Word) []Word {
	w := tagPrefix(KindIRQPair)
	for i, irq := range []*uint32{e.First, e.Second} {
		value := Word(irqNone)
		if irq != nil {
			value = Word(*irq)
		}
		w |= value << (11 + 10*uint(i))
	}
	return append(dst, w)
}

// ApplicationType declares the process category to the kernel.
type ApplicationType struct {
	Type uint32 // 0..2
}

func (e ApplicationType) Kind() Kind { return KindApplicationType }

func (e ApplicationType) Validate() error {
	if e.Type > 2 {
		return invalidf("application_type: value %d exceeds 2", e.Type)
	}
	return nil
}

func (e ApplicationType) words(dst []Word) []Word {
	return append(dst, tagPrefix(KindApplicationType)|Word(e.Type)<<14)
}

// MinKernelVersion is the lowest kernel version the process accepts,
// packed major<<4 | minor.
type MinKernelVersion struct {
	Version uint32 // 16 bits
}

func (e MinKernelVersion) Kind() Kind { return KindMinKernelVersion }

func (e MinKernelVersion) Validate() error {
	if e.Version > 0xFFFF {
		return invalidf("min_kernel_version: value %#x exceeds 16 bits", e.Version)
	}
	return nil
}

func (e MinKernelVersion) words(dst []Word) []Word {
	return append(dst, tagPrefix(KindMinKernelVersion)|Word(e.Version)<<15)
}

// HandleTableSize sizes the process handle table.
type HandleTableSize struct {
	Size uint32 // 10 bits
}

func (e HandleTableSize) Kind() Kind { return KindHandleTableSize }

func (e HandleTableSize) Validate() error {
	if e.Size >= 1<<10 {
		return invalidf("handle_table_size: value %d exceeds 10 bits", e.Size)
	}
	return nil
}

func (e HandleTableSize) words(dst []Word) []Word {
	return append(dst, tagPrefix(KindHandleTableSize)|Word(e.Size)<<16)
}

// DebugFlags declares debug permissions. At most one of the three
// flags may be set.
type DebugFlags struct {
	AllowDebug     bool
	ForceDebug     bool
	ForceDebugProd bool
}

func (e DebugFlags) Kind() Kind { return KindDebugFlags }

func (e DebugFlags) Validate() error {
	set := 0
	for _, flag := range []bool{e.AllowDebug, e.ForceDebug, e.ForceDebugProd} {
		if flag {
			set++
		}
	}
	if set > 1 {
		return invalidf("debug_flags: only one of allow_debug, force_debug, force_debug_prod can be set")
	}
	return nil
}

func (e DebugFlags) words(dst []Word) []Word {
	w := tagPrefix(KindDebugFlags)
	if e.AllowDebug {
		w |= 1 << 17
	}
	if e.ForceDebugProd {
		w |= 1 << 18
	}
	if e.ForceDebug {
		w |= 1 << 19
	}
	return append(dst, w)
}
