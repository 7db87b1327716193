// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deltapos converts between MM's skip-delta encoding and absolute
// forward-read positions. It is the only place the skip-list semantics of
// the SAM base-modification tags are interpreted; everything above this
// package works with plain positions.
package deltapos

import "fmt"

// Converter is a bijection between "i-th occurrence of a canonical base in a
// forward-oriented read" and "0-based position in that read". It is built
// once per (record, base) pair and is read-only after construction.
type Converter struct {
	occ []int
}

// New scans seq (the record's sequence bytes, in forward-read orientation)
// and records every position at which base occurs.
func New(seq []byte, base byte) *Converter {
	occ := make([]int, 0, len(seq)/4+1)
	for i, b := range seq {
		if upperASCII(b) == base {
			occ = append(occ, i)
		}
	}
	return &Converter{occ: occ}
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// NumOccurrences returns the number of times the converter's base occurs in
// the read.
func (c *Converter) NumOccurrences() int { return len(c.occ) }

// ToPositions maps a list of MM-style skips to absolute forward-read
// positions. deltas[i] means "skip deltas[i] occurrences of the canonical
// base before the next call"; the emitted position is the occurrence at
// cumulative index sum(deltas[0..i])+i.
func (c *Converter) ToPositions(deltas []int) ([]int, error) {
	positions := make([]int, len(deltas))
	idx := -1
	for i, d := range deltas {
		if d < 0 {
			return nil, fmt.Errorf("deltapos: negative skip %d at index %d", d, i)
		}
		idx += d + 1
		if idx >= len(c.occ) {
			return nil, fmt.Errorf("deltapos: cumulative delta at index %d (occurrence %d) exceeds %d occurrences of the canonical base in this read", i, idx, len(c.occ))
		}
		positions[i] = c.occ[idx]
	}
	return positions, nil
}

// ToDeltas is the inverse of ToPositions: positions must be a subset of the
// occurrence list, strictly ascending, and is converted back to MM skips.
func (c *Converter) ToDeltas(positions []int) ([]int, error) {
	deltas := make([]int, len(positions))
	searchFrom := 0
	prevIdx := -1
	for i, p := range positions {
		occIdx := -1
		for j := searchFrom; j < len(c.occ); j++ {
			if c.occ[j] == p {
				occIdx = j
				break
			}
		}
		if occIdx == -1 {
			return nil, fmt.Errorf("deltapos: position %d is not an occurrence of the converter's canonical base", p)
		}
		if occIdx <= prevIdx {
			return nil, fmt.Errorf("deltapos: positions must be strictly ascending occurrence indices")
		}
		deltas[i] = occIdx - prevIdx - 1
		prevIdx = occIdx
		searchFrom = occIdx + 1
	}
	return deltas, nil
}
