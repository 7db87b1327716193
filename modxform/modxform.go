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

// Package modxform implements the two probability-vector rewrites the
// "adjust-mods" driver applies to a decoded modtag.Group: dropping a
// modification code (Redistribute) and merging several codes into one
// (Convert).
package modxform

import (
	"fmt"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
)

// Policy selects how Redistribute spreads a dropped code's probability
// mass across what remains.
type Policy int

const (
	// PolicyImplicitCanonical spreads the dropped mass equally across every
	// surviving explicit code AND the implicit canonical call. This is the
	// default.
	PolicyImplicitCanonical Policy = iota
	// PolicyNorm is the deprecated policy some older tooling used: the
	// dropped mass is distributed only among the surviving explicit codes,
	// proportional to their current probability, and never reaches the
	// implicit canonical call. Kept for compatibility with callers that
	// need bit-for-bit parity with that older behavior.
	PolicyNorm
)

// Redistribute removes the call for code from calls and redistributes its
// probability mass per policy. It returns an error if code is not present
// in calls.
func Redistribute(calls []modtag.Call, code modcode.Code, policy Policy) ([]modtag.Call, error) {
	idx := indexOf(calls, code)
	if idx == -1 {
		return nil, fmt.Errorf("modxform: code %q not present in vector", code)
	}
	mass := calls[idx].Prob
	kept := make([]modtag.Call, 0, len(calls)-1)
	for i, c := range calls {
		if i == idx {
			continue
		}
		kept = append(kept, c)
	}
	switch policy {
	case PolicyNorm:
		redistributeProportional(kept, mass)
	default:
		redistributeEqual(kept, mass)
	}
	return kept, nil
}

// redistributeEqual spreads mass equally across kept and one implicit slot
// representing the canonical call, which callers never materialize: giving
// each kept entry mass/(len(kept)+1) is equivalent to also crediting the
// implicit canonical probability with the same share, since the canonical
// probability is always 1 minus the sum of the explicit calls.
func redistributeEqual(kept []modtag.Call, mass float64) {
	if len(kept) == 0 {
		return
	}
	share := mass / float64(len(kept)+1)
	for i := range kept {
		kept[i].Prob += share
	}
}

func redistributeProportional(kept []modtag.Call, mass float64) {
	if len(kept) == 0 {
		return
	}
	var sum float64
	for _, c := range kept {
		sum += c.Prob
	}
	if sum == 0 {
		redistributeEqual(kept, mass)
		return
	}
	for i := range kept {
		kept[i].Prob += mass * (kept[i].Prob / sum)
	}
}

// Convert merges the probability mass of every code in from into a single
// call with code to, via summation saturating at 1.0, removing the
// constituent entries. If
// to already has its own entry in calls (e.g. merging "h" into the existing
// "m" entry), the merged mass is added to it rather than producing a
// duplicate code. Returns an error if none of from is present.
func Convert(calls []modtag.Call, from []modcode.Code, to modcode.Code) ([]modtag.Call, error) {
	fromSet := make(map[modcode.Code]bool, len(from))
	for _, c := range from {
		fromSet[c] = true
	}
	var sum float64
	found := 0
	out := make([]modtag.Call, 0, len(calls))
	toIdx := -1
	for _, c := range calls {
		if fromSet[c.Code] {
			sum += c.Prob
			found++
			continue
		}
		if c.Code == to {
			toIdx = len(out)
		}
		out = append(out, c)
	}
	if found == 0 {
		return nil, fmt.Errorf("modxform: none of %v present in vector", from)
	}
	if toIdx >= 0 {
		out[toIdx].Prob += sum
		if out[toIdx].Prob > 1 {
			out[toIdx].Prob = 1
		}
	} else {
		if sum > 1 {
			sum = 1
		}
		out = append(out, modtag.Call{Code: to, Prob: sum})
	}
	return out, nil
}

func indexOf(calls []modtag.Call, code modcode.Code) int {
	for i, c := range calls {
		if c.Code == code {
			return i
		}
	}
	return -1
}

// RedistributeGroup applies Redistribute to every position in g and updates
// g.Codes to drop code, leaving Positions' per-call code order consistent
// with the new header. g is mutated in place.
func RedistributeGroup(g *modtag.Group, code modcode.Code, policy Policy) error {
	if !hasCode(g.Codes, code) {
		return fmt.Errorf("modxform: group %c%c does not carry code %q", g.Base, g.Strand, code)
	}
	for i := range g.Positions {
		calls, err := Redistribute(g.Positions[i].Calls, code, policy)
		if err != nil {
			return err
		}
		g.Positions[i].Calls = calls
	}
	g.Codes = removeCode(g.Codes, code)
	return nil
}

// ConvertGroup applies Convert to every position in g and updates g.Codes.
func ConvertGroup(g *modtag.Group, from []modcode.Code, to modcode.Code) error {
	for i := range g.Positions {
		calls, err := Convert(g.Positions[i].Calls, from, to)
		if err != nil {
			return err
		}
		g.Positions[i].Calls = calls
	}
	fromSet := make(map[modcode.Code]bool, len(from))
	for _, c := range from {
		fromSet[c] = true
	}
	var codes []modcode.Code
	seenTo := false
	for _, c := range g.Codes {
		if fromSet[c] {
			continue
		}
		if c == to {
			seenTo = true
		}
		codes = append(codes, c)
	}
	if !seenTo {
		codes = append(codes, to)
	}
	g.Codes = codes
	return nil
}

func hasCode(codes []modcode.Code, code modcode.Code) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func removeCode(codes []modcode.Code, code modcode.Code) []modcode.Code {
	out := make([]modcode.Code, 0, len(codes))
	for _, c := range codes {
		if c != code {
			out = append(out, c)
		}
	}
	return out
}
