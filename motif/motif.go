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

// Package motif locates fixed-sequence motifs (e.g. "CG" for CpG) in a
// reference and reports, per contig, every (position, strand) hit: the
// locus a pileup column for that motif should be reported at.
package motif

import (
	"fmt"
	"sort"

	"github.com/biogo/store/llrb"

	"github.com/MatthiasZepper/modkit/biosimd"
	"github.com/MatthiasZepper/modkit/modcode"
)

// Hit is one occurrence of a motif, on one strand, at a 0-based reference
// position (the position of the motif's modified base, per the offset
// Locate was called with).
type Hit struct {
	Pos    int
	Strand byte // '+' or '-'
}

// hitKey adapts Hit to llrb.Comparable, ordering first by position and
// then by strand so '+' sorts before '-' at the same locus.
type hitKey Hit

func (k hitKey) Compare(c llrb.Comparable) int {
	o := c.(hitKey)
	if k.Pos != o.Pos {
		return k.Pos - o.Pos
	}
	return int(k.Strand) - int(o.Strand)
}

// ContigIndex holds every hit found on one contig, sorted ascending by
// (Pos, Strand), plus an llrb.Tree over the same hits for point/floor
// lookups that don't want to binary-search a slice.
type ContigIndex struct {
	Contig string
	Hits   []Hit

	tree llrb.Tree
}

// HasHitAt reports whether a hit exists at exactly (pos, strand).
func (idx *ContigIndex) HasHitAt(pos int, strand byte) bool {
	return idx.tree.Get(hitKey{Pos: pos, Strand: strand}) != nil
}

// FloorBefore returns the closest hit on strand at or before pos, if any.
func (idx *ContigIndex) FloorBefore(pos int, strand byte) (Hit, bool) {
	for p := pos; p >= 0; {
		c := idx.tree.Floor(hitKey{Pos: p, Strand: strand})
		if c == nil {
			return Hit{}, false
		}
		h := Hit(c.(hitKey))
		if h.Strand == strand {
			return h, true
		}
		p = h.Pos - 1
	}
	return Hit{}, false
}

// Overlapping returns every hit with Pos in [start, end), in ascending
// order. This is the query the pileup driver uses to decide whether a
// shard's interval contains any motif site at all.
func (idx *ContigIndex) Overlapping(start, end int) []Hit {
	lo := sort.Search(len(idx.Hits), func(i int) bool { return idx.Hits[i].Pos >= start })
	hi := sort.Search(len(idx.Hits), func(i int) bool { return idx.Hits[i].Pos >= end })
	return idx.Hits[lo:hi]
}

// Set collects a ContigIndex per contig of a reference.
type Set struct {
	contigs map[string]*ContigIndex
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{contigs: make(map[string]*ContigIndex)}
}

// Contig returns the index for name, if any motif scan was recorded for it.
func (s *Set) Contig(name string) (*ContigIndex, bool) {
	idx, ok := s.contigs[name]
	return idx, ok
}

// Locate scans seq (contig's reference bases, upper-case ACGT[N]) for every
// occurrence of motif, reporting the locus of the base at offset within
// the motif (0-based) on both strands. A palindromic motif (its own
// reverse complement, e.g. "CG") yields both strands' hits from a single
// forward scan: the '-' strand call sits at the mirrored offset of every
// '+' hit. A non-palindromic motif (e.g. "CCTGG") is scanned a second time
// for its reverse complement to find '-' strand hits.
func Locate(contig string, seq []byte, motif string, offset int) (*ContigIndex, error) {
	motifBytes := []byte(motif)
	if len(motifBytes) == 0 {
		return nil, fmt.Errorf("motif: empty motif")
	}
	if offset < 0 || offset >= len(motifBytes) {
		return nil, fmt.Errorf("motif: offset %d out of range for motif %q", offset, motif)
	}
	for _, b := range motifBytes {
		if !modcode.Base(b).Valid() {
			return nil, fmt.Errorf("motif: motif %q contains non-ACGT base %q", motif, b)
		}
	}

	fwd := findAll(seq, motifBytes)
	var hits []Hit
	for _, i := range fwd {
		hits = append(hits, Hit{Pos: i + offset, Strand: '+'})
	}

	rc := reverseComplement(motifBytes)
	mirroredOffset := len(motifBytes) - 1 - offset
	if string(rc) == string(motifBytes) {
		for _, i := range fwd {
			hits = append(hits, Hit{Pos: i + mirroredOffset, Strand: '-'})
		}
	} else {
		for _, j := range findAll(seq, rc) {
			hits = append(hits, Hit{Pos: j + mirroredOffset, Strand: '-'})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Pos != hits[j].Pos {
			return hits[i].Pos < hits[j].Pos
		}
		return hits[i].Strand < hits[j].Strand
	})

	idx := &ContigIndex{Contig: contig, Hits: hits, tree: llrb.Tree{}}
	for _, h := range hits {
		idx.tree.Insert(hitKey(h))
	}
	return idx, nil
}

// LocateSet runs Locate over every contig in seqs (contig name -> upper
// case reference bases) and collects the results into a Set.
func LocateSet(seqs map[string][]byte, motif string, offset int) (*Set, error) {
	set := NewSet()
	for contig, seq := range seqs {
		idx, err := Locate(contig, seq, motif, offset)
		if err != nil {
			return nil, fmt.Errorf("motif: contig %q: %v", contig, err)
		}
		set.contigs[contig] = idx
	}
	return set, nil
}

func findAll(seq, pattern []byte) []int {
	var out []int
	if len(pattern) == 0 || len(pattern) > len(seq) {
		return out
	}
	for i := 0; i+len(pattern) <= len(seq); i++ {
		if matches(seq[i:i+len(pattern)], pattern) {
			out = append(out, i)
		}
	}
	return out
}

func matches(window, pattern []byte) bool {
	for i := range pattern {
		if window[i] != pattern[i] {
			return false
		}
	}
	return true
}

func reverseComplement(b []byte) []byte {
	out := make([]byte, len(b))
	biosimd.ReverseComp8NoValidate(out, b)
	return out
}
