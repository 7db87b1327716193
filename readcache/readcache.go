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

// Package readcache memoizes per-read modification calls across the many
// pileup columns one read spans, so MM/ML parsing and forward-read-to-
// reference mapping happen once per read rather than once per column. It
// is keyed at the reference-position level (not the raw tag level): Ingest
// parses a record once and reduces each touched reference position to its
// argmax call, and GetModCall answers column lookups straight from that
// reduced index. The eviction/memory policy is explicitly open in the
// governing spec; this package picks one: past a configured resident-byte
// budget, the oldest entries not yet parsed have their raw sequence and
// tag bytes snappy-compressed in place, and are decompressed when they are
// parsed, trading CPU for RSS. Entries already parsed are not compressed.
package readcache

import (
	"encoding/binary"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
)

// Key identifies a read across the columns of a pileup. Two records with
// the same query name (e.g. primary and supplementary alignments of the
// same read) share a cache entry.
type Key uint64

// KeyFor hashes a read's query name into a Key.
func KeyFor(queryName string) Key {
	return Key(farm.Hash64([]byte(queryName)))
}

// RefMapper maps a forward-read sequence position to its 0-based reference
// position, reporting false if that read base has no reference position
// (inserted, or soft/hard-clipped). Callers pass bamio.Alignment.RefPos.
type RefMapper func(readPos int) (refPos int, ok bool)

// Kind classifies one GetModCall result.
type Kind int

const (
	// KindNone means the read carried no call at this reference position
	// on this mod-strand (the column wasn't an occurrence of the group's
	// canonical base on the forward-read sequence for this read).
	KindNone Kind = iota
	// KindCanonical is an argmax call that resolved to the implicit
	// canonical probability, above threshold.
	KindCanonical
	// KindModified is an argmax call that resolved to a modification
	// code, above threshold.
	KindModified
	// KindFiltered is an argmax call whose probability was at or below
	// the lookup threshold: a prediction existed but was too uncertain.
	KindFiltered
)

// Call is one reference-position, one-mod-strand lookup result.
type Call struct {
	Kind Kind
	Code modcode.Code // set for KindModified (and KindCanonical, as the canonical code)
	Prob float64
}

type bestCall struct {
	code modcode.Code
	prob float64
}

type refSlot struct {
	has bool
	bestCall
}

// refIndex maps a reference position to the argmax call observed there,
// per mod-strand ('+'/'-', slot 0/1).
type refIndex map[int][2]refSlot

func strandSlot(strand byte) int {
	if strand == '-' {
		return 1
	}
	return 0
}

type entry struct {
	mu    sync.Mutex
	info  *modtag.Info // non-nil once parsed and hot
	cold  []byte       // snappy-compressed raw payload; non-nil once evicted
	seq   []byte
	mm    string
	ml    []byte
	style modtag.Style
	size  int // resident-byte estimate while hot

	index    refIndex
	posCodes map[modcode.Code]bool // observed_mod_codes, '+' mod-strand
	negCodes map[modcode.Code]bool // observed_mod_codes, '-' mod-strand
	ingested bool
	skipped  bool // true if the record carried no MM tag at all
}

func (e *entry) rawSize() int {
	return len(e.seq) + len(e.mm) + len(e.ml)
}

// Cache is safe for concurrent use by multiple pileup workers, but callers
// are expected to give each worker its own Cache (per the per-worker,
// no-sharing thread-local pileup design) rather than share one across
// goroutines, since sharing defeats the point of per-shard locality.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	order    []Key
	budget   int
	resident int

	// allowedCodes, if non-empty, restricts which codes Ingest's argmax
	// reduction considers; calls for any other code are dropped before
	// the argmax so their probability mass behaves as if never observed
	// (falls out to the implicit canonical share). A nil/empty slice
	// allows every code.
	allowedCodes []modcode.Code
}

// New creates a Cache that compresses entries once resident raw-payload
// bytes exceed budgetBytes. budgetBytes <= 0 disables eviction.
func New(budgetBytes int) *Cache {
	return &Cache{
		entries: make(map[Key]*entry),
		budget:  budgetBytes,
	}
}

// SetAllowedCodes restricts Ingest's argmax reduction to the given codes.
// Call before any Ingest; changing it mid-run only affects reads ingested
// afterward.
func (c *Cache) SetAllowedCodes(codes []modcode.Code) {
	c.allowedCodes = codes
}

func (c *Cache) allows(code modcode.Code) bool {
	if len(c.allowedCodes) == 0 {
		return true
	}
	for _, want := range c.allowedCodes {
		if want == code {
			return true
		}
	}
	return false
}

// Ingest parses a read's raw MM/ML tag bytes at most once, maps every
// touched forward-read position to a reference position via mapFn, and
// reduces each reference position's base-mod-probs vector to its argmax
// call. Calling Ingest again for the same key is a no-op. If the record
// carries no MM/ML tags (hasTags is false) or the tags are empty of
// groups, skipped is true and the key is recorded in the skip-set rather
// than treated as an error.
func (c *Cache) Ingest(key Key, seq []byte, mm string, ml []byte, style modtag.Style, hasTags bool, mapFn RefMapper) (skipped bool, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{seq: seq, mm: mm, ml: ml, style: style}
		e.size = e.rawSize()
		c.entries[key] = e
		c.order = append(c.order, key)
		c.resident += e.size
		c.evictLocked()
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ingested {
		return e.skipped, nil
	}
	e.ingested = true
	if !hasTags {
		e.skipped = true
		return true, nil
	}

	info, err := e.parseLocked()
	if err == modtag.ErrNoModTags {
		e.skipped = true
		return true, nil
	}
	if err != nil {
		return false, err
	}

	e.index = make(refIndex)
	e.posCodes = make(map[modcode.Code]bool)
	e.negCodes = make(map[modcode.Code]bool)
	for _, g := range info.Groups {
		codeSet := e.posCodes
		if g.Strand == '-' {
			codeSet = e.negCodes
		}
		for _, code := range g.Codes {
			if c.allows(code) {
				codeSet[code] = true
			}
		}
		for _, p := range g.Positions {
			refPos, ok := mapFn(p.Pos)
			if !ok {
				continue
			}
			calls := p.Calls
			if len(c.allowedCodes) > 0 {
				filtered := calls[:0:0]
				for _, call := range calls {
					if c.allows(call.Code) {
						filtered = append(filtered, call)
					}
				}
				calls = filtered
			}
			code, prob := argmax(g.Base, calls)
			slots := e.index[refPos]
			slots[strandSlot(g.Strand)] = refSlot{has: true, bestCall: bestCall{code: code, prob: prob}}
			e.index[refPos] = slots
		}
	}
	return false, nil
}

// argmax picks the highest-probability call among calls and the implicit
// canonical call (probability 1 minus the sum of calls) for base.
func argmax(base modcode.Base, calls []modtag.Call) (modcode.Code, float64) {
	bestCode := modcode.Canonical(base)
	var sum float64
	for _, call := range calls {
		sum += call.Prob
	}
	bestProb := 1 - sum
	for _, call := range calls {
		if call.Prob > bestProb {
			bestProb = call.Prob
			bestCode = call.Code
		}
	}
	return bestCode, bestProb
}

// GetModCall answers the read-cache query of record, ref_pos,
// canonical_base_at_column, threshold: the best call this read carries at
// refPos, for each mod-strand, thresholded against threshold.
// canonical_base_at_column is not consulted here (the cache already
// indexes strictly by occurrences of each group's own canonical base);
// callers compare it against the call's Code to detect a Diff. ok is
// false if the read has no cached index at all for this position (neither
// mod-strand saw a call there); callers combine this with their own
// alignment-coverage knowledge to distinguish "no call, but covered"
// (NoCall) from "not covered at all".
func (c *Cache) GetModCall(key Key, refPos int, threshold float64) (pos, neg Call, ok bool) {
	c.mu.Lock()
	e, exists := c.entries[key]
	c.mu.Unlock()
	if !exists {
		return Call{}, Call{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slots, found := e.index[refPos]
	if !found {
		return Call{}, Call{}, false
	}
	return classify(slots[0], threshold), classify(slots[1], threshold), true
}

func classify(slot refSlot, threshold float64) Call {
	if !slot.has {
		return Call{}
	}
	if slot.prob <= threshold {
		return Call{Kind: KindFiltered, Code: slot.code, Prob: slot.prob}
	}
	if modcode.IsModification(slot.code) {
		return Call{Kind: KindModified, Code: slot.code, Prob: slot.prob}
	}
	return Call{Kind: KindCanonical, Code: slot.code, Prob: slot.prob}
}

// ObservedModCodes returns the set of modification codes this read's
// groups carried, split by mod-strand.
func (c *Cache) ObservedModCodes(key Key) (pos, neg map[modcode.Code]bool) {
	c.mu.Lock()
	e, exists := c.entries[key]
	c.mu.Unlock()
	if !exists {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.posCodes, e.negCodes
}

// Skipped reports whether key's record was recorded as carrying no MM/ML
// tags (the §7 "Skipped" kind, never fatal, counted separately from
// BadInput failures).
func (c *Cache) Skipped(key Key) bool {
	c.mu.Lock()
	e, exists := c.entries[key]
	c.mu.Unlock()
	if !exists {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped
}

// Forget drops key's entry entirely. Callers invoke this once a read's
// last pileup column has been processed, so its memory is released
// immediately rather than waiting for budget-driven eviction.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.resident -= e.size
		delete(c.entries, key)
	}
}

// Len reports the number of entries currently tracked (hot or cold).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked compresses the oldest not-yet-parsed, not-yet-cold entries
// until resident bytes fall at or under budget. Called with c.mu held.
func (c *Cache) evictLocked() {
	if c.budget <= 0 {
		return
	}
	for c.resident > c.budget && len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.info == nil && e.cold == nil {
			raw := encodeRaw(e.seq, e.mm, e.ml)
			e.cold = snappy.Encode(nil, raw)
			c.resident -= e.size
			c.resident += len(e.cold)
			e.size = len(e.cold)
			e.seq, e.mm, e.ml = nil, "", nil
		}
		e.mu.Unlock()
	}
}

// parseLocked parses e's raw tag bytes, decompressing a cold payload first
// if needed. Called with e.mu held.
func (e *entry) parseLocked() (*modtag.Info, error) {
	if e.info != nil {
		return e.info, nil
	}
	seq, mm, ml := e.seq, e.mm, e.ml
	if e.cold != nil {
		raw, err := snappy.Decode(nil, e.cold)
		if err != nil {
			return nil, errors.Wrap(err, "readcache: decompressing cold entry")
		}
		seq, mm, ml = decodeRaw(raw)
	}
	info, err := modtag.Parse(&source{seq: seq, mm: mm, ml: ml, style: e.style})
	if err != nil {
		return nil, err
	}
	e.info = info
	return info, nil
}

// source adapts raw tag bytes to modtag.Source.
type source struct {
	seq   []byte
	mm    string
	ml    []byte
	style modtag.Style
}

func (s *source) SeqBytes() []byte { return s.seq }

func (s *source) StringTag(name string) (string, bool) {
	mmName, _ := s.style.Names()
	if name == mmName {
		return s.mm, true
	}
	return "", false
}

func (s *source) ByteTag(name string) ([]byte, bool) {
	_, mlName := s.style.Names()
	if name == mlName {
		return s.ml, true
	}
	return nil, false
}

// encodeRaw/decodeRaw pack (seq, mm, ml) into one buffer for snappy
// compression: a varint length prefix per field, concatenated.
func encodeRaw(seq []byte, mm string, ml []byte) []byte {
	var hdr [3 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(seq)))
	n += binary.PutUvarint(hdr[n:], uint64(len(mm)))
	n += binary.PutUvarint(hdr[n:], uint64(len(ml)))
	buf := make([]byte, 0, n+len(seq)+len(mm)+len(ml))
	buf = append(buf, hdr[:n]...)
	buf = append(buf, seq...)
	buf = append(buf, mm...)
	buf = append(buf, ml...)
	return buf
}

func decodeRaw(buf []byte) (seq []byte, mm string, ml []byte) {
	seqLen, n1 := binary.Uvarint(buf)
	buf = buf[n1:]
	mmLen, n2 := binary.Uvarint(buf)
	buf = buf[n2:]
	mlLen, n3 := binary.Uvarint(buf)
	buf = buf[n3:]
	seq = buf[:seqLen]
	buf = buf[seqLen:]
	mm = string(buf[:mmLen])
	buf = buf[mmLen:]
	ml = buf[:mlLen]
	return seq, mm, ml
}
