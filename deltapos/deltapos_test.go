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

package deltapos_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasZepper/modkit/deltapos"
)

func TestToPositions(t *testing.T) {
	// "ACACNCGAGCGC" - C occurs at indices 1, 3, 5, 9, 11.
	c := deltapos.New([]byte("ACACNCGAGCGC"), 'C')
	require.Equal(t, 5, c.NumOccurrences())

	positions, err := c.ToPositions([]int{0, 0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 9, 11}, positions)
}

func TestToPositionsOutOfRange(t *testing.T) {
	c := deltapos.New([]byte("ACAC"), 'C')
	_, err := c.ToPositions([]int{5})
	assert.Error(t, err)
}

func TestToPositionsNegativeSkip(t *testing.T) {
	c := deltapos.New([]byte("ACAC"), 'C')
	_, err := c.ToPositions([]int{-1})
	assert.Error(t, err)
}

func TestToDeltasRoundTrip(t *testing.T) {
	c := deltapos.New([]byte("ACACNCGAGCGC"), 'C')
	positions := []int{1, 3, 9, 11}
	deltas, err := c.ToDeltas(positions)
	require.NoError(t, err)

	back, err := c.ToPositions(deltas)
	require.NoError(t, err)
	assert.Equal(t, positions, back)
}

func TestToDeltasNotAnOccurrence(t *testing.T) {
	c := deltapos.New([]byte("ACAC"), 'C')
	_, err := c.ToDeltas([]int{0})
	assert.Error(t, err)
}

func TestToDeltasNotAscending(t *testing.T) {
	c := deltapos.New([]byte("ACAC"), 'C')
	_, err := c.ToDeltas([]int{3, 1})
	assert.Error(t, err)
}

func TestCaseInsensitive(t *testing.T) {
	c := deltapos.New([]byte("acACnCgagCGc"), 'C')
	assert.Equal(t, 5, c.NumOccurrences())
}
