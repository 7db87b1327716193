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

// Package modcode enumerates the modified-base codes recognized by modkit,
// and maps each to its canonical base.  It is the smallest, leaf-most piece
// of the modified-base stack; every other package imports it.
package modcode

import "fmt"

// Base is one of the four canonical DNA bases.
type Base byte

// The recognized canonical bases.
const (
	A Base = 'A'
	C Base = 'C'
	G Base = 'G'
	T Base = 'T'
)

// Complement returns the Watson-Crick complement of b.
func (b Base) Complement() Base {
	switch b {
	case A:
		return T
	case C:
		return G
	case G:
		return C
	case T:
		return A
	}
	return b
}

// Valid reports whether b is one of A/C/G/T.
func (b Base) Valid() bool {
	switch b {
	case A, C, G, T:
		return true
	}
	return false
}

func (b Base) String() string { return string(rune(b)) }

// Code identifies a single modification, e.g. "m" for 5-methylcytosine.
// Multi-character ChEBI-style codes (e.g. "17802") are carried as a single
// token; this package never splits one.
type Code string

// Canonical returns the code representing an unmodified call for base,
// i.e. the code a pileup row reports n_canonical under.
func Canonical(base Base) Code {
	return Code(base.String())
}

// info describes one recognized modification code.
type info struct {
	base Base
	name string
}

// registry is the set of modification codes modkit understands out of the
// box. It mirrors the codes in the SAM optional-tag specification's
// base-modification table (https://samtools.github.io/hts-specs/SAMtags.pdf),
// restricted to the handful actually exercised by nanopore basecallers.
var registry = map[Code]info{
	"m": {C, "5-methylcytosine"},
	"h": {C, "5-hydroxymethylcytosine"},
	"f": {C, "5-formylcytosine"},
	"c": {C, "5-carboxylcytosine"},
	"C": {C, "canonical cytosine"},
	"a": {A, "6-methyladenine"},
	"A": {A, "canonical adenine"},
	"o": {G, "8-oxoguanine"},
	"G": {G, "canonical guanine"},
	"T": {T, "canonical thymine"},
	"n": {T, "5-hydroxymethyluracil"},
	"g": {T, "5-formyluracil"},
}

// Lookup returns the registered info for code, or ok=false if code is not
// recognized.
func Lookup(code Code) (base Base, name string, ok bool) {
	i, ok := registry[code]
	if !ok {
		return 0, "", false
	}
	return i.base, i.name, true
}

// BaseOf returns the canonical base for code, erroring if code is unknown.
func BaseOf(code Code) (Base, error) {
	b, _, ok := Lookup(code)
	if !ok {
		return 0, fmt.Errorf("modcode: unrecognized modification code %q", code)
	}
	return b, nil
}

// CodesForBase returns every registered modification code (excluding the
// canonical form) whose canonical base is base, in a stable order.
func CodesForBase(base Base) []Code {
	var out []Code
	// Fixed iteration order instead of ranging over the map directly, so
	// output row ordering is reproducible across runs.
	for _, c := range []Code{"m", "h", "f", "c", "a", "o", "n", "g"} {
		if i, ok := registry[c]; ok && i.base == base {
			out = append(out, c)
		}
	}
	return out
}

// IsModification reports whether code denotes a modification (as opposed to
// a canonical-base call like "C" or "A").
func IsModification(code Code) bool {
	b, _, ok := Lookup(code)
	return ok && Code(b.String()) != code
}
