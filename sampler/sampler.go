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

// Package sampler estimates a global modification-probability threshold by
// sampling observed call probabilities and taking a nearest-rank
// percentile. Inclusion decisions are driven by a seeded hash of each
// observation's id rather than a PRNG stream, so the sample (and the
// threshold derived from it) is identical across runs given the same seed,
// independent of goroutine scheduling order.
package sampler

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"blainsmith.com/go/seahash"
)

// Mode selects how observations are admitted into the sample.
type Mode int

const (
	// ModeFixedN retains (approximately) the N observations with the
	// smallest seeded hash, a deterministic analogue of reservoir
	// sampling: bounded memory, independent of arrival order.
	ModeFixedN Mode = iota
	// ModeFraction admits each observation independently with probability
	// fraction, decided by comparing its seeded hash against a threshold.
	ModeFraction
)

type item struct {
	hash  uint64
	value float64
}

type maxHeap []item

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].hash > h[j].hash }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Sampler accumulates probability observations under one of the two Modes.
// It is not safe for concurrent use; callers running a sharded pileup keep
// one Sampler per shard and merge results with Merge.
type Sampler struct {
	mode     Mode
	n        int
	fraction float64
	seed     uint64

	h      maxHeap // used by ModeFixedN
	values []float64
}

// NewFixedN returns a Sampler that retains up to n observations.
func NewFixedN(n int, seed uint64) *Sampler {
	return &Sampler{mode: ModeFixedN, n: n, seed: seed}
}

// NewFraction returns a Sampler that admits each observation independently
// with probability fraction (0, 1].
func NewFraction(fraction float64, seed uint64) *Sampler {
	return &Sampler{mode: ModeFraction, fraction: fraction, seed: seed}
}

func (s *Sampler) hash(id string) uint64 {
	w := seahash.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], s.seed)
	w.Write(seedBuf[:])
	w.Write([]byte(id))
	return w.Sum64()
}

// Observe offers one probability value for possible inclusion in the
// sample, keyed by id (read query name, or read query name plus position
// for per-call granularity — callers choose the id's grain).
func (s *Sampler) Observe(id string, value float64) {
	h := s.hash(id)
	switch s.mode {
	case ModeFraction:
		threshold := uint64(s.fraction * float64(math.MaxUint64))
		// fraction*MaxUint64 rounds up to 2^64 at fraction 1, which does
		// not fit a uint64, so a full fraction admits without comparing.
		if s.fraction >= 1 || h < threshold {
			s.values = append(s.values, value)
		}
	default:
		it := item{hash: h, value: value}
		if s.h.Len() < s.n {
			heap.Push(&s.h, it)
		} else if s.h.Len() > 0 && h < s.h[0].hash {
			heap.Pop(&s.h)
			heap.Push(&s.h, it)
		}
	}
}

func (s *Sampler) collected() []float64 {
	if s.mode == ModeFixedN {
		out := make([]float64, len(s.h))
		for i, it := range s.h {
			out[i] = it.value
		}
		return out
	}
	return s.values
}

// Len reports how many observations are currently retained.
func (s *Sampler) Len() int {
	return len(s.collected())
}

// Threshold returns the nearest-rank percentile (0-100] of the retained
// observations, with rank = floor(percentile/100 * N) so the result is
// reproducible across an independently computed percentile of the same
// population.
func (s *Sampler) Threshold(percentile float64) (float64, error) {
	values := s.collected()
	if len(values) == 0 {
		return 0, fmt.Errorf("sampler: no observations collected")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if percentile <= 0 {
		return sorted[0], nil
	}
	if percentile >= 100 {
		return sorted[len(sorted)-1], nil
	}
	rank := int(math.Floor(percentile / 100 * float64(len(sorted))))
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank], nil
}

// Merge folds other's observations into s, used to combine per-shard
// samplers (one per pileup worker) into a single global estimate. Both
// samplers must share Mode, seed, and (for ModeFixedN) n.
func (s *Sampler) Merge(other *Sampler) error {
	if s.mode != other.mode || s.seed != other.seed {
		return fmt.Errorf("sampler: cannot merge samplers with different mode or seed")
	}
	if s.mode == ModeFixedN && s.n != other.n {
		return fmt.Errorf("sampler: cannot merge ModeFixedN samplers with different n")
	}
	for _, it := range other.h {
		if s.h.Len() < s.n {
			heap.Push(&s.h, it)
		} else if s.h.Len() > 0 && it.hash < s.h[0].hash {
			heap.Pop(&s.h)
			heap.Push(&s.h, it)
		}
	}
	s.values = append(s.values, other.values...)
	return nil
}
