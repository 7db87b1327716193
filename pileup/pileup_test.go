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

package pileup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
)

func TestShardContains(t *testing.T) {
	s := Shard{Contig: "chr1", Start: 100, End: 200}
	assert.True(t, s.contains("chr1", 100))
	assert.True(t, s.contains("chr1", 199))
	assert.False(t, s.contains("chr1", 200))
	assert.False(t, s.contains("chr1", 99))
	assert.False(t, s.contains("chr2", 150))
}

func TestShardContainsOpenEnded(t *testing.T) {
	s := Shard{Contig: "chr1", Start: 100, End: -1}
	assert.True(t, s.contains("chr1", 1_000_000))
}

func TestAnyShardContains(t *testing.T) {
	shards := []Shard{
		{Contig: "chr1", Start: 0, End: 100},
		{Contig: "chr2", Start: 50, End: 150},
	}
	assert.True(t, anyShardContains(shards, "chr2", 60))
	assert.False(t, anyShardContains(shards, "chr2", 200))
	assert.False(t, anyShardContains(shards, "chr3", 10))
}

func TestDefaultOpts(t *testing.T) {
	opts := DefaultOpts()
	assert.Equal(t, 1, opts.Threads)
	assert.InDelta(t, 0.5, opts.Threshold, 1e-9)
}

func TestFilterCallsAllowsEverythingByDefault(t *testing.T) {
	calls := []modtag.Call{{Code: "m", Prob: 0.9}, {Code: "h", Prob: 0.1}}
	out := filterCalls(calls, Opts{})
	assert.Equal(t, calls, out)
}

func TestFilterCallsRestrictsToAllowedCodes(t *testing.T) {
	calls := []modtag.Call{{Code: "m", Prob: 0.9}, {Code: "h", Prob: 0.1}}
	out := filterCalls(calls, Opts{AllowedCodes: []modcode.Code{"m"}})
	assert.Equal(t, []modtag.Call{{Code: "m", Prob: 0.9}}, out)
}
