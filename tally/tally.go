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

// Package tally accumulates per-reference-position, strand-aware
// modification-call counts and decodes them into pileup output rows. It is
// deliberately unaware of reads, CIGARs, or BAM: callers (package pileup)
// translate a read-coordinate call into a (contig, pos, strand) locus
// before calling Add.
package tally

import (
	"sort"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
)

// Key identifies one pileup column.
type Key struct {
	Contig string
	Pos    int
	Strand byte
}

// Counts is the raw per-column accumulator.
type Counts struct {
	NValid     int
	NCanonical int
	NMod       map[modcode.Code]int
	NFiltered  int // best call's probability was at or below the reporting threshold
	NNoCall    int // read covered this locus but carried no modification call for it
	NDelete    int // aligned read had a deletion spanning this locus
	NDiff      int // aligned read's basecall here did not match the expected canonical base
}

// StrandRule optionally restricts which (alignment_strand, mod_strand)
// contributions a column's tally accepts. The positive sub-tally receives
// contributions where alignment_strand XOR mod_strand is 0 (both '+', or
// both '-' — a double complement); the negative sub-tally receives the
// other cases. PositiveOnly/NegativeOnly discard the side the rule doesn't
// name; Both keeps everything.
type StrandRule int

const (
	// Both accepts contributions routed to either sub-tally.
	Both StrandRule = iota
	// PositiveOnly keeps only contributions the XOR rule routes to '+'.
	PositiveOnly
	// NegativeOnly keeps only contributions the XOR rule routes to '-'.
	NegativeOnly
)

// SubStrand applies the alignment_strand XOR mod_strand rule, returning the
// sub-tally strand ('+' or '-') a call with the given alignment and
// modification strands belongs to.
func SubStrand(alignmentStrand, modStrand byte) byte {
	if (alignmentStrand == '+') == (modStrand == '+') {
		return '+'
	}
	return '-'
}

// Allows reports whether rule admits a contribution already routed to
// subStrand by SubStrand.
func (rule StrandRule) Allows(subStrand byte) bool {
	switch rule {
	case PositiveOnly:
		return subStrand == '+'
	case NegativeOnly:
		return subStrand == '-'
	default:
		return true
	}
}

func newCounts() *Counts {
	return &Counts{NMod: make(map[modcode.Code]int)}
}

// Classify picks the highest-probability call among calls and the implicit
// canonical call (probability 1 minus the sum of calls) for base.
func Classify(base modcode.Base, calls []modtag.Call) (modcode.Code, float64) {
	bestCode := modcode.Canonical(base)
	var sum float64
	for _, c := range calls {
		sum += c.Prob
	}
	bestProb := 1 - sum
	for _, c := range calls {
		if c.Prob > bestProb {
			bestProb = c.Prob
			bestCode = c.Code
		}
	}
	return bestCode, bestProb
}

// Table is a collection of per-column Counts, built up across many reads.
// Not safe for concurrent use; the sharded pileup driver gives each worker
// its own Table and Merges them at the end.
type Table struct {
	rows map[Key]*Counts
}

// New creates an empty Table.
func New() *Table {
	return &Table{rows: make(map[Key]*Counts)}
}

func (t *Table) entry(contig string, pos int, strand byte) *Counts {
	k := Key{contig, pos, strand}
	c, ok := t.rows[k]
	if !ok {
		c = newCounts()
		t.rows[k] = c
	}
	return c
}

// Add records one base's worth of calls at (contig, pos, strand),
// classifying it against threshold: a call whose probability is strictly
// above threshold counts as its winning code (canonical or a specific
// modification); a call at or below threshold is tallied as Filtered
// rather than attributed to any code (a prediction existed, but it was too
// uncertain to trust).
func (t *Table) Add(contig string, pos int, strand byte, base modcode.Base, calls []modtag.Call, threshold float64) {
	code, prob := Classify(base, calls)
	c := t.entry(contig, pos, strand)
	c.NValid++
	if prob <= threshold {
		c.NFiltered++
		return
	}
	if modcode.IsModification(code) {
		c.NMod[code]++
	} else {
		c.NCanonical++
	}
}

// AddCanonical records one already-classified canonical call at (contig,
// pos, strand), for callers (the pileup driver) that consult a read cache's
// pre-computed argmax instead of passing raw calls through Classify.
func (t *Table) AddCanonical(contig string, pos int, strand byte) {
	c := t.entry(contig, pos, strand)
	c.NValid++
	c.NCanonical++
}

// AddModified records one already-classified modified call for code at
// (contig, pos, strand).
func (t *Table) AddModified(contig string, pos int, strand byte, code modcode.Code) {
	c := t.entry(contig, pos, strand)
	c.NValid++
	c.NMod[code]++
}

// AddFiltered records one already-classified below-threshold call at
// (contig, pos, strand).
func (t *Table) AddFiltered(contig string, pos int, strand byte) {
	c := t.entry(contig, pos, strand)
	c.NValid++
	c.NFiltered++
}

// AddNoCall records that a read covered (contig, pos, strand) but supplied
// no modification call for it (e.g. the group's skip mode left this
// occurrence unlisted under "?", or the read carried no MM/ML tags at
// all).
func (t *Table) AddNoCall(contig string, pos int, strand byte) {
	t.entry(contig, pos, strand).NNoCall++
}

// AddDelete records Feature::Delete: an aligned read had a deletion
// spanning (contig, pos, strand).
func (t *Table) AddDelete(contig string, pos int, strand byte) {
	t.entry(contig, pos, strand).NDelete++
}

// AddDiff records that a read's basecall at (contig, pos, strand) did not
// match the canonical base expected at this column (a mismatch against
// the reference), so it cannot be attributed to this column's code rows.
func (t *Table) AddDiff(contig string, pos int, strand byte) {
	t.entry(contig, pos, strand).NDiff++
}

// Merge folds other's counts into t.
func (t *Table) Merge(other *Table) {
	for k, oc := range other.rows {
		c := t.entry(k.Contig, k.Pos, k.Strand)
		c.NValid += oc.NValid
		c.NCanonical += oc.NCanonical
		c.NFiltered += oc.NFiltered
		c.NNoCall += oc.NNoCall
		c.NDelete += oc.NDelete
		c.NDiff += oc.NDiff
		for code, n := range oc.NMod {
			c.NMod[code] += n
		}
	}
}

// CombineMode controls how Rows aggregates raw per-code, per-strand counts
// into output rows.
type CombineMode int

const (
	// CombineNone emits one row per (contig, pos, strand, code).
	CombineNone CombineMode = iota
	// CombineStrand merges each '-' row into the '+' row strandOffset
	// positions before it (for palindromic motifs called on both strands),
	// reporting Strand '+'.
	CombineStrand
	// CombineCodes merges every modification code at a position into a
	// single NMod total, reporting Code "".
	CombineCodes
)

// Row is one decoded PileupFeatureCounts output line.
type Row struct {
	Contig         string
	Pos            int
	Strand         byte
	Code           modcode.Code // "" when CombineCodes merged all codes
	NValid         int
	NCanonical     int
	NMod           int
	NOtherModified int // other mod-codes sharing this row's canonical base
	NFiltered      int
	NNoCall        int
	NDelete        int
	NDiff          int
}

// NValidCov is this row's filtered_coverage: n_canonical + n_modified +
// n_other_modified, the denominator of FractionModified.
func (r Row) NValidCov() int {
	return r.NCanonical + r.NMod + r.NOtherModified
}

// FractionModified is n_modified / filtered_coverage, or 0 when
// filtered_coverage is 0.
func (r Row) FractionModified() float64 {
	cov := r.NValidCov()
	if cov == 0 {
		return 0
	}
	return float64(r.NMod) / float64(cov)
}

// Rows decodes the table into sorted output rows under the given combine
// mode. strandOffset is only consulted for CombineStrand: 0 merges '+' and
// '-' rows at the same position (the legacy same-locus behavior); a
// motif-derived offset (1 for a palindromic CpG dinucleotide) instead
// merges the '-' row at Pos+strandOffset into the '+' row at Pos, per the
// mirrored-strand rule a combine-strands pileup over a palindromic motif
// requires.
func (t *Table) Rows(combine CombineMode, strandOffset int) []Row {
	type aggKey struct {
		Contig string
		Pos    int
		Strand byte
	}
	merged := make(map[aggKey]*Counts)
	for k, c := range t.rows {
		ak := aggKey{k.Contig, k.Pos, k.Strand}
		if combine == CombineStrand {
			if k.Strand == '-' {
				ak.Pos -= strandOffset
			}
			ak.Strand = '+'
		}
		m, ok := merged[ak]
		if !ok {
			m = newCounts()
			merged[ak] = m
		}
		m.NValid += c.NValid
		m.NCanonical += c.NCanonical
		m.NFiltered += c.NFiltered
		m.NNoCall += c.NNoCall
		m.NDelete += c.NDelete
		m.NDiff += c.NDiff
		for code, n := range c.NMod {
			m.NMod[code] += n
		}
	}

	var rows []Row
	for k, c := range merged {
		if combine == CombineCodes {
			total := 0
			for _, n := range c.NMod {
				total += n
			}
			rows = append(rows, Row{
				Contig: k.Contig, Pos: k.Pos, Strand: k.Strand,
				NValid: c.NValid, NCanonical: c.NCanonical, NMod: total,
				NFiltered: c.NFiltered, NNoCall: c.NNoCall,
				NDelete: c.NDelete, NDiff: c.NDiff,
			})
			continue
		}
		if len(c.NMod) == 0 {
			rows = append(rows, Row{
				Contig: k.Contig, Pos: k.Pos, Strand: k.Strand,
				NValid: c.NValid, NCanonical: c.NCanonical,
				NFiltered: c.NFiltered, NNoCall: c.NNoCall,
				NDelete: c.NDelete, NDiff: c.NDiff,
			})
			continue
		}
		total := 0
		for _, n := range c.NMod {
			total += n
		}
		for code, n := range c.NMod {
			rows = append(rows, Row{
				Contig: k.Contig, Pos: k.Pos, Strand: k.Strand, Code: code,
				NValid: c.NValid, NCanonical: c.NCanonical, NMod: n,
				NOtherModified: total - n,
				NFiltered:      c.NFiltered, NNoCall: c.NNoCall,
				NDelete: c.NDelete, NDiff: c.NDiff,
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Contig != b.Contig {
			return a.Contig < b.Contig
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if a.Strand != b.Strand {
			return a.Strand < b.Strand
		}
		return a.Code < b.Code
	})
	return rows
}
