// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blz

// match describes one back-reference found by the matcher: length
// bytes starting at the current position are a copy of the bytes
// distance positions earlier.
type match struct {
	length   int
	distance int
}

const (
	hashBits = 15
	hashSize = 1 << hashBits
)

// hash3 hashes a 3-byte prefix into the chain table. Collisions are
// harmless: candidates are verified byte-for-byte before use.
func hash3(b []byte) uint32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	return (v * 2654435761) >> (32 - hashBits)
}

// matcher finds back-references using hash chains over 3-byte
// prefixes. Every position inside the window that shares the current
// prefix is on the chain, so the longest match is always found and
// the choice is fully deterministic.
type matcher struct {
	src  []byte
	head [hashSize]int32
	prev []int32
}

func newMatcher(src []byte) *matcher {
	m := &matcher{src: src, prev: make([]int32, len(src))}
	for i := range m.head {
		m.head[i] = -1
	}
	return m
}

// insert adds position pos to the chain for its 3-byte prefix.
// Positions within minMatch of the end have no complete prefix and
// are skipped.
func (m *matcher) insert(pos int) {
	if pos+minMatch > len(m.src) {
		return
	}
	h := hash3(m.src[pos:])
	m.prev[pos] = m.head[h]
	m.head[h] = int32(pos)
}

// find returns the best match at pos, or a zero match if no match of
// at least minMatch bytes exists within the window. The longest match
// wins; on equal length the smallest distance wins (chains are walked
// most-recent-first, and a candidate only replaces the best on a
// strictly longer match).
func (m *matcher) find(pos int) match {
	if pos+minMatch > len(m.src) {
		return match{}
	}
	limit := len(m.src)
	var best match
	h := hash3(m.src[pos:])
	for cand := m.head[h]; cand >= 0; cand = m.prev[cand] {
		distance := pos - int(cand)
		if distance > windowSize {
			break
		}
		if best.length > 0 {
			// A candidate can only replace best with a strictly
			// longer match, so it must at least agree one byte past
			// the current best length.
			if pos+best.length >= limit {
				break
			}
			if m.src[int(cand)+best.length] != m.src[pos+best.length] {
				continue
			}
		}
		length := matchLength(m.src, int(cand), pos, limit)
		if length > best.length {
			best = match{length: length, distance: distance}
		}
	}
	if best.length < minMatch {
		return match{}
	}
	return best
}

// matchLength counts how many bytes starting at cur equal the bytes
// starting at cand, stopping at limit. cur may overlap the candidate
// run (distance < length), which the token copy loop reproduces.
func matchLength(src []byte, cand, cur, limit int) int {
	n := 0
	for cur+n < limit && src[cand+n] == src[cur+n] {
		n++
	}
	return n
}
