// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kcap

import "fmt"

// MaxWords is the capacity of the KIP capability table: 0x80 bytes of
// 32-bit words.
const MaxWords = 32

// Compile turns capability entries into packed words: validates every
// entry, enforces exclusive-kind uniqueness, merges all syscall
// grants into one mask, emits words in canonical catalog order
// (independent of descriptor order), and terminates the sequence with
// a padding word.
//
// The result always ends in at least one padding word and never
// exceeds MaxWords.
func Compile(entries []Entry) ([]Word, error) {
	seen := make(map[Kind]bool)
	byKind := make(map[Kind][]Entry)
	var syscalls SyscallMask

	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		kind := entry.Kind()
		if exclusiveKinds[kind] && seen[kind] {
			return nil, invalidf("entry %d: duplicate %s entry", i, kind)
		}
		seen[kind] = true

		// Syscall grants from separate entries fold into a single
		// mask so the emitted group words are canonical however the
		// descriptor spread them out.
		if mask, ok := entry.(SyscallMask); ok {
			if syscalls.Syscalls == nil {
				syscalls.Syscalls = make(map[string]uint32)
			}
			for name, number := range mask.Syscalls {
				syscalls.Syscalls[name] = number
			}
			continue
		}
		byKind[kind] = append(byKind[kind], entry)
	}

	var words []Word
	for _, kind := range catalogOrder {
		if kind == KindSyscallMask {
			if syscalls.Syscalls != nil {
				words = syscalls.words(words)
			}
			continue
		}
		for _, entry := range byKind[kind] {
			words = entry.words(words)
		}
	}

	if len(words) >= MaxWords {
		return nil, invalidf("%d capability words exceed the table capacity of %d (one slot is reserved for the terminator)", len(words), MaxWords)
	}
	return append(words, PaddingWord), nil
}
