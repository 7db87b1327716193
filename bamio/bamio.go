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

// Package bamio is modkit's external alignment-file interface: it adapts
// github.com/grailbio/hts/{sam,bam} to the rest of the module, so no other
// package needs to import hts directly. It covers three concerns: reading
// records with the standard quality/flag filters, mapping a read's
// forward-sequence coordinates onto reference coordinates via its CIGAR,
// and presenting a record's MM/ML tags as a modtag.Source.
package bamio

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"

	"github.com/MatthiasZepper/modkit/modtag"
)

// RecordSource adapts a *sam.Record to modtag.Source.
type RecordSource struct {
	R *sam.Record
}

// SeqBytes implements modtag.Source.
func (s RecordSource) SeqBytes() []byte { return s.R.Seq.Expand() }

// StringTag implements modtag.Source.
func (s RecordSource) StringTag(name string) (string, bool) {
	aux := s.R.AuxFields.Get(sam.Tag{name[0], name[1]})
	if aux == nil {
		return "", false
	}
	v, ok := aux.Value().(string)
	return v, ok
}

// ByteTag implements modtag.Source.
func (s RecordSource) ByteTag(name string) ([]byte, bool) {
	aux := s.R.AuxFields.Get(sam.Tag{name[0], name[1]})
	if aux == nil {
		return nil, false
	}
	switch v := aux.Value().(type) {
	case []byte:
		return v, true
	}
	return nil, false
}

// ParseModTags decodes r's MM/ML (or legacy Mm/Ml) tags.
func ParseModTags(r *sam.Record) (*modtag.Info, error) {
	return modtag.Parse(RecordSource{R: r})
}

// RawModTags extracts r's raw MM/ML (or legacy Mm/Ml) tag bytes without
// decoding them, for callers (the read cache) that key on the undecoded
// payload. ok is false if r carries neither tag pair.
func RawModTags(r *sam.Record) (mm string, ml []byte, style modtag.Style, ok bool) {
	src := RecordSource{R: r}
	if v, found := src.StringTag("MM"); found {
		mlBytes, _ := src.ByteTag("ML")
		return v, mlBytes, modtag.StyleCanonical, true
	}
	if v, found := src.StringTag("Mm"); found {
		mlBytes, _ := src.ByteTag("Ml")
		return v, mlBytes, modtag.StyleLegacy, true
	}
	return "", nil, modtag.StyleCanonical, false
}

// Strand returns '+' or '-' depending on r's reverse-strand flag.
func Strand(r *sam.Record) byte {
	if sam.Flags(r.Flags)&sam.Reverse != 0 {
		return '-'
	}
	return '+'
}

// modTagNames lists every aux tag name WriteModTags/ClearAuxTags treat as
// belonging to the MM/ML pair, canonical and legacy spellings alike.
var modTagNames = []string{"MM", "Mm", "ML", "Ml"}

// WriteModTags serializes info and replaces r's MM/ML (and legacy Mm/Ml, if
// present) aux fields with the result.
func WriteModTags(r *sam.Record, info *modtag.Info) error {
	mm, ml, err := modtag.Serialize(info)
	if err != nil {
		return errors.Wrap(err, "bamio: serializing mod tags")
	}
	ClearAuxTags(r, modTagNames)
	mmName, mlName := info.Style.Names()
	mmAux, err := sam.NewAux(sam.Tag{mmName[0], mmName[1]}, mm)
	if err != nil {
		return errors.Wrap(err, "bamio: building MM aux field")
	}
	mlAux, err := sam.NewAux(sam.Tag{mlName[0], mlName[1]}, ml)
	if err != nil {
		return errors.Wrap(err, "bamio: building ML aux field")
	}
	r.AuxFields = append(r.AuxFields, mmAux, mlAux)
	return nil
}

// ClearAuxTags removes every aux field of r whose two-character tag name
// appears in names.
func ClearAuxTags(r *sam.Record, names []string) {
	remove := make(map[sam.Tag]bool, len(names))
	for _, n := range names {
		remove[sam.Tag{n[0], n[1]}] = true
	}
	kept := r.AuxFields[:0]
	for _, a := range r.AuxFields {
		if !remove[a.Tag()] {
			kept = append(kept, a)
		}
	}
	r.AuxFields = kept
}

// Column is one reference locus a read's CIGAR passes through: either a
// match/mismatch base (ReadPos valid) or a deletion (the read has no base
// there at all).
type Column struct {
	RefPos  int
	ReadPos int // -1 for a deletion column
	Delete  bool
}

// Alignment is a read's forward-sequence-coordinate to reference-coordinate
// map, derived from its CIGAR.
type Alignment struct {
	// ReadToRef[i] is the 0-based reference position of forward-read base
	// i, or -1 if base i has no reference position (inserted, or soft/
	// hard-clipped).
	ReadToRef []int32

	// Columns lists, in reference order, every locus this alignment visits:
	// each matched/mismatched read base and each deleted reference base.
	// A column-centric pileup walks this instead of r.Seq alone, so a
	// deletion spanning a would-be-modified locus is still visited.
	Columns []Column
}

// MapReadToRef walks r's CIGAR to build its Alignment.
func MapReadToRef(r *sam.Record) (*Alignment, error) {
	m := make([]int32, r.Seq.Length)
	for i := range m {
		m[i] = -1
	}
	var columns []Column
	posInRef := int32(r.Pos)
	posInRead := 0
	for _, co := range r.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				if posInRead+i < len(m) {
					m[posInRead+i] = posInRef + int32(i)
				}
				columns = append(columns, Column{RefPos: int(posInRef) + i, ReadPos: posInRead + i})
			}
			posInRef += int32(n)
			posInRead += n
		case sam.CigarInsertion, sam.CigarSoftClipped:
			posInRead += n
		case sam.CigarDeletion:
			for i := 0; i < n; i++ {
				columns = append(columns, Column{RefPos: int(posInRef) + i, ReadPos: -1, Delete: true})
			}
			posInRef += int32(n)
		case sam.CigarSkipped:
			// a reference skip is not a deletion; its loci get no column
			posInRef += int32(n)
		case sam.CigarHardClipped, sam.CigarPadded:
			// consumes neither coordinate
		default:
			return nil, fmt.Errorf("bamio: unexpected CIGAR operation %v", co.Type())
		}
	}
	return &Alignment{ReadToRef: m, Columns: columns}, nil
}

// RefPos returns the reference position of forward-read base readPos, and
// whether that base is aligned to the reference at all.
func (a *Alignment) RefPos(readPos int) (int, bool) {
	if readPos < 0 || readPos >= len(a.ReadToRef) {
		return 0, false
	}
	p := a.ReadToRef[readPos]
	return int(p), p >= 0
}

// FilterOpts governs which records a pileup or tag-rewrite pass considers.
type FilterOpts struct {
	ExcludeFlags sam.Flags
	MinMAPQ      int
}

// DefaultFilterOpts excludes secondary, supplementary, unmapped, QC-fail,
// and duplicate records.
func DefaultFilterOpts() FilterOpts {
	return FilterOpts{
		ExcludeFlags: sam.Secondary | sam.Supplementary | sam.Unmapped | sam.QCFail | sam.Duplicate,
	}
}

// Pass reports whether r survives the filter.
func (o FilterOpts) Pass(r *sam.Record) bool {
	if sam.Flags(r.Flags)&o.ExcludeFlags != 0 {
		return false
	}
	return int(r.MapQ) >= o.MinMAPQ
}

// Reader wraps a BAM file for sequential, filtered record iteration. One
// Reader must not be shared across pileup workers; each opens its own.
type Reader struct {
	f *os.File
	r *bam.Reader
}

// Open opens path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bamio: opening %s", path)
	}
	r, err := bam.NewReader(f, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "bamio: reading BAM header of %s", path)
	}
	return &Reader{f: f, r: r}, nil
}

// Header returns the BAM header.
func (r *Reader) Header() *sam.Header { return r.r.Header() }

// Next returns the next record, or io.EOF at end of stream.
func (r *Reader) Next() (*sam.Record, error) {
	rec, err := r.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "bamio: reading record")
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return errors.Wrap(err, "bamio: closing file")
	}
	return nil
}

// Writer wraps a BAM file for sequential record output.
type Writer struct {
	f *os.File
	w *bam.Writer
}

// Create opens path for writing, using header as the output BAM header.
func Create(path string, header *sam.Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bamio: creating %s", path)
	}
	w, err := bam.NewWriter(f, header, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "bamio: writing BAM header to %s", path)
	}
	return &Writer{f: f, w: w}, nil
}

// Write emits one record.
func (w *Writer) Write(r *sam.Record) error {
	if err := w.w.Write(r); err != nil {
		return errors.Wrap(err, "bamio: writing record")
	}
	return nil
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return errors.Wrap(err, "bamio: closing writer")
	}
	return errors.Wrap(w.f.Close(), "bamio: closing file")
}

// ResolveContig finds header's reference matching want: first an exact
// name match, then a "chr" prefix toggle, then a Jaro-Winkler fuzzy match
// scoring at least 0.9.
func ResolveContig(header *sam.Header, want string) (string, error) {
	refs := header.Refs()
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Name(), nil
		}
	}
	alt := toggleChrPrefix(want)
	for _, ref := range refs {
		if ref.Name() == alt {
			return ref.Name(), nil
		}
	}
	best, bestScore := "", 0.0
	for _, ref := range refs {
		score := matchr.JaroWinkler(want, ref.Name(), true)
		if score > bestScore {
			bestScore = score
			best = ref.Name()
		}
	}
	if bestScore >= 0.9 {
		return best, nil
	}
	return "", fmt.Errorf("bamio: no contig matching %q in BAM header (closest %q scored %.2f)", want, best, bestScore)
}

func toggleChrPrefix(name string) string {
	if strings.HasPrefix(name, "chr") {
		return strings.TrimPrefix(name, "chr")
	}
	return "chr" + name
}
