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

// Package modtag parses and serializes the MM/ML base-modification tag pair
// defined by the SAM optional-tag specification. It is deliberately
// independent of any particular alignment-record type (see Source below);
// package bamio adapts *sam.Record to it.
package modtag

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/MatthiasZepper/modkit/deltapos"
	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/pkg/errors"
)

// SkipMode governs how a residue of the declared canonical base that has no
// explicit call is interpreted.
type SkipMode byte

const (
	// SkipProbModified is the no-suffix form: every occurrence of the
	// canonical base is assumed to have a probability, explicit or implied
	// by omission (modern basecaller convention).
	SkipProbModified SkipMode = iota
	// SkipImplicit is the "." suffix: unlisted occurrences are canonical.
	SkipImplicit
	// SkipAmbiguous is the "?" suffix: unlisted occurrences have unknown
	// status and must not be treated as canonical.
	SkipAmbiguous
)

func (s SkipMode) suffix() byte {
	switch s {
	case SkipImplicit:
		return '.'
	case SkipAmbiguous:
		return '?'
	}
	return 0
}

func skipModeFromSuffix(b byte) (SkipMode, bool) {
	switch b {
	case '.':
		return SkipImplicit, true
	case '?':
		return SkipAmbiguous, true
	}
	return SkipProbModified, false
}

// Style records which tag-name pair a record used on input, so that
// unmodified round-trips reproduce it and "adjust" preserves it.
type Style int

const (
	// StyleCanonical is "MM"/"ML".
	StyleCanonical Style = iota
	// StyleLegacy is "Mm"/"Ml".
	StyleLegacy
)

// Names returns the (MM-name, ML-name) pair for the style.
func (s Style) Names() (mm, ml string) {
	if s == StyleLegacy {
		return "Mm", "Ml"
	}
	return "MM", "ML"
}

// Call is one modification probability at a position, in the order it was
// listed in the group header.
type Call struct {
	Code modcode.Code
	Prob float64 // quantized, in [0, 1]
}

// Position is a single forward-read position's base-mod-probs vector.
type Position struct {
	Pos   int
	Calls []Call
}

// Group is one semicolon-delimited MM group: a canonical base, a mod-strand,
// an ordered set of modification codes, a skip mode, and the per-position
// calls those codes received.
type Group struct {
	Base   modcode.Base
	Strand byte // '+' or '-'
	Codes  []modcode.Code
	Skip   SkipMode

	// Positions is sorted ascending by Pos, with unique Pos values; each is
	// an occurrence of Base (or its complement, when Strand=='-') on the
	// record's forward-oriented sequence.
	Positions []Position

	conv *deltapos.Converter
}

// countBase returns the canonical base whose occurrences this group's
// deltas are indexed against: Base itself on the '+' mod-strand, or its
// complement on '-' (§4.2 step 3).
func (g *Group) countBase() byte {
	b := g.Base
	if g.Strand == '-' {
		b = b.Complement()
	}
	return byte(b)
}

// Info is the parsed contents of a record's MM/ML tags.
type Info struct {
	Groups []*Group
	Style  Style
}

// ErrNoModTags is returned by Parse when the record carries neither MM nor
// Mm. Callers treat this as a recoverable per-record skip, not a BadInput.
var ErrNoModTags = errors.New("modtag: record has no MM/Mm tag")

// Source is the minimal view of an alignment record the codec needs. It
// exists so this package has no dependency on any particular BAM library;
// package bamio implements it over *sam.Record.
type Source interface {
	// SeqBytes returns the record's SEQ field, i.e. the sequence in the
	// orientation it was stored/sequenced in, upper-case ACGTN.
	SeqBytes() []byte
	// StringTag returns the value of a 'Z' (or absent) aux field by name.
	StringTag(name string) (string, bool)
	// ByteTag returns the value of a 'B,C' aux field by name.
	ByteTag(name string) ([]byte, bool)
}

// Parse reads MM/ML (or legacy Mm/Ml) from src and decodes them into an
// Info. It returns ErrNoModTags if neither tag pair is present.
func Parse(src Source) (*Info, error) {
	mmRaw, style, found := findMM(src)
	if !found {
		return nil, ErrNoModTags
	}
	_, mlName := style.Names()
	mlRaw, _ := src.ByteTag(mlName)
	return parse(src.SeqBytes(), mmRaw, mlRaw, style)
}

func findMM(src Source) (raw string, style Style, found bool) {
	if v, ok := src.StringTag("MM"); ok {
		return v, StyleCanonical, true
	}
	if v, ok := src.StringTag("Mm"); ok {
		return v, StyleLegacy, true
	}
	return "", StyleCanonical, false
}

// parse is the pure, style-independent MM/ML decoder (§4.2).
func parse(seq []byte, mm string, ml []byte, style Style) (*Info, error) {
	info := &Info{Style: style}
	mlOff := 0
	groupStrs := splitGroups(mm)
	for gi, gs := range groupStrs {
		if gs == "" {
			continue
		}
		g, err := parseGroupHeader(gs)
		if err != nil {
			return nil, errors.Wrapf(err, "modtag: group %d", gi)
		}
		deltaStrs, err := splitDeltas(gs)
		if err != nil {
			return nil, errors.Wrapf(err, "modtag: group %d", gi)
		}
		deltas := make([]int, len(deltaStrs))
		for i, ds := range deltaStrs {
			v, err := strconv.Atoi(ds)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("modtag: group %d: invalid delta %q", gi, ds)
			}
			deltas[i] = v
		}
		g.conv = deltapos.New(seq, g.countBase())
		positions, err := g.conv.ToPositions(deltas)
		if err != nil {
			return nil, errors.Wrapf(err, "modtag: group %d", gi)
		}
		nCodes := len(g.Codes)
		need := nCodes * len(positions)
		if mlOff+need > len(ml) {
			return nil, fmt.Errorf("modtag: ML array too short: need %d more byte(s) for group %d, have %d remaining", need, gi, len(ml)-mlOff)
		}
		g.Positions = make([]Position, len(positions))
		for i, pos := range positions {
			calls := make([]Call, nCodes)
			for c := 0; c < nCodes; c++ {
				calls[c] = Call{Code: g.Codes[c], Prob: Dequantize(ml[mlOff])}
				mlOff++
			}
			g.Positions[i] = Position{Pos: pos, Calls: calls}
		}
		info.Groups = append(info.Groups, g)
	}
	if mlOff != len(ml) {
		return nil, fmt.Errorf("modtag: ML array has %d unconsumed byte(s) after decoding all MM groups", len(ml)-mlOff)
	}
	return info, nil
}

// splitGroups splits MM on ';', dropping a single trailing empty group
// produced by the mandatory terminator.
func splitGroups(mm string) []string {
	var out []string
	start := 0
	for i := 0; i < len(mm); i++ {
		if mm[i] == ';' {
			out = append(out, mm[start:i])
			start = i + 1
		}
	}
	if start < len(mm) {
		out = append(out, mm[start:])
	}
	return out
}

// parseGroupHeader parses the "B[+-]C[.?]?" prefix of one MM group (up to,
// but not including, the first comma).
func parseGroupHeader(gs string) (*Group, error) {
	comma := bytes.IndexByte([]byte(gs), ',')
	header := gs
	if comma >= 0 {
		header = gs[:comma]
	}
	if len(header) < 3 {
		return nil, fmt.Errorf("header %q too short", header)
	}
	base := modcode.Base(upper(header[0]))
	if !base.Valid() {
		return nil, fmt.Errorf("header %q: unrecognized canonical base %q", header, header[0])
	}
	strand := header[1]
	if strand != '+' && strand != '-' {
		return nil, fmt.Errorf("header %q: expected '+' or '-' mod-strand, got %q", header, strand)
	}
	codesPart := header[2:]
	skip := SkipProbModified
	if n := len(codesPart); n > 0 {
		if mode, ok := skipModeFromSuffix(codesPart[n-1]); ok {
			skip = mode
			codesPart = codesPart[:n-1]
		}
	}
	codes, err := parseCodes(codesPart)
	if err != nil {
		return nil, fmt.Errorf("header %q: %v", header, err)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("header %q: no modification codes", header)
	}
	return &Group{Base: base, Strand: strand, Codes: codes, Skip: skip}, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// parseCodes tokenizes a group's code run: single letters are one token
// each; a run of digits (a ChEBI id) is one token.
func parseCodes(s string) ([]modcode.Code, error) {
	var codes []modcode.Code
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			codes = append(codes, modcode.Code(s[i:j]))
			i = j
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			codes = append(codes, modcode.Code(s[i:i+1]))
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q in code list %q", c, s)
		}
		if _, _, ok := modcode.Lookup(codes[len(codes)-1]); !ok {
			return nil, fmt.Errorf("unrecognized modification code %q", codes[len(codes)-1])
		}
	}
	return codes, nil
}

func splitDeltas(gs string) ([]string, error) {
	comma := bytes.IndexByte([]byte(gs), ',')
	if comma < 0 {
		return nil, nil
	}
	rest := gs[comma+1:]
	if rest == "" {
		return nil, nil
	}
	return splitByte(rest, ','), nil
}

func splitByte(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Quantize maps a probability in [0,1] to the 8-bit ML encoding.
func Quantize(p float64) byte {
	v := int(math.Floor(p*256 + 1e-6))
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return byte(v)
}

// Dequantize is the inverse quantization: (v+0.5)/256.
func Dequantize(v byte) float64 {
	return (float64(v) + 0.5) / 256
}

// Serialize re-encodes info into MM/ML bytes. Group order, skip-mode
// suffix, and code order are preserved from the parsed input; deltas are
// recomputed from each group's (possibly transformed) Positions, and ML
// bytes are requantized from each Call's Prob. On an untransformed Info,
// this reproduces the original MM/ML byte-for-byte (§8).
func Serialize(info *Info) (mm string, ml []byte, err error) {
	var buf bytes.Buffer
	for _, g := range info.Groups {
		buf.WriteByte(byte(g.Base))
		buf.WriteByte(g.Strand)
		for _, c := range g.Codes {
			buf.WriteString(string(c))
		}
		if s := g.Skip.suffix(); s != 0 {
			buf.WriteByte(s)
		}
		positions := make([]int, len(g.Positions))
		for i, p := range g.Positions {
			positions[i] = p.Pos
		}
		if !sort.IntsAreSorted(positions) {
			return "", nil, fmt.Errorf("modtag: Serialize: group positions for %c%c%s are not sorted ascending", g.Base, g.Strand, codesString(g.Codes))
		}
		if g.conv == nil {
			return "", nil, fmt.Errorf("modtag: Serialize: group %c%c%s has no delta-list converter (was it parsed via Parse?)", g.Base, g.Strand, codesString(g.Codes))
		}
		deltas, derr := g.conv.ToDeltas(positions)
		if derr != nil {
			return "", nil, errors.Wrap(derr, "modtag: Serialize")
		}
		for _, d := range deltas {
			buf.WriteByte(',')
			buf.WriteString(strconv.Itoa(d))
		}
		buf.WriteByte(';')
		for _, p := range g.Positions {
			for _, c := range p.Calls {
				ml = append(ml, Quantize(c.Prob))
			}
		}
	}
	return buf.String(), ml, nil
}

func codesString(codes []modcode.Code) string {
	var buf bytes.Buffer
	for _, c := range codes {
		buf.WriteString(string(c))
	}
	return buf.String()
}

// FindCall returns p's Call for code, and whether it was present.
func (p *Position) FindCall(code modcode.Code) (Call, bool) {
	for _, c := range p.Calls {
		if c.Code == code {
			return c, true
		}
	}
	return Call{}, false
}

// ObservedCodes returns the set of modification codes that appear anywhere
// in this group, preserving first-seen order.
func (g *Group) ObservedCodes() []modcode.Code {
	return append([]modcode.Code(nil), g.Codes...)
}

// Promote returns a copy of info with Style forced to StyleCanonical, so
// that serializing it emits MM/ML regardless of the input style.
func (info *Info) Promote() *Info {
	out := *info
	out.Style = StyleCanonical
	return &out
}
