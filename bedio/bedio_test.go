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

package bedio_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasZepper/modkit/bedio"
	"github.com/MatthiasZepper/modkit/tally"
)

func TestWriteBedMethylRowHasNoHeader(t *testing.T) {
	ctx := vcontext.Background()
	path := filepath.Join(t.TempDir(), "out.bed")

	w, err := bedio.Create(ctx, path, bedio.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.WriteBedMethylRow(tally.Row{
		Contig: "chr1", Pos: 10, Strand: '+', Code: "m",
		NMod: 5, NCanonical: 3,
	}))
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 18)
	assert.Equal(t, "chr1", fields[0])
	assert.Equal(t, "10", fields[1])
	assert.Equal(t, "11", fields[2])
	assert.Equal(t, "m", fields[3])
	assert.Equal(t, "8", fields[4]) // score = min(n_valid_cov, 1000)
	assert.Equal(t, "+", fields[5])
	assert.Equal(t, "10", fields[6])  // start2
	assert.Equal(t, "11", fields[7])  // end2
	assert.Equal(t, "255,0,0", fields[8])
	assert.Equal(t, "8", fields[9]) // n_valid_cov
	assert.Equal(t, "0.6250", fields[10])
	assert.Equal(t, "5", fields[11]) // n_modified
	assert.Equal(t, "3", fields[12]) // n_canonical
	assert.Equal(t, "0", fields[13]) // n_other_modified
	assert.Equal(t, "0", fields[14]) // n_delete
	assert.Equal(t, "0", fields[15]) // n_filtered
	assert.Equal(t, "0", fields[16]) // n_diff
	assert.Equal(t, "0", fields[17]) // n_nocall
}

func TestWriteBedMethylRowScoreSaturatesAt1000(t *testing.T) {
	ctx := vcontext.Background()
	path := filepath.Join(t.TempDir(), "out.bed")

	w, err := bedio.Create(ctx, path, bedio.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.WriteBedMethylRow(tally.Row{
		Contig: "chr1", Pos: 0, Strand: '+', Code: "m", NMod: 2000,
	}))
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimRight(string(contents), "\n"), "\t")
	assert.Equal(t, "1000", fields[4])
}

func TestWriteBedMethylRowCombinedCode(t *testing.T) {
	ctx := vcontext.Background()
	path := filepath.Join(t.TempDir(), "out.bed")

	w, err := bedio.Create(ctx, path, bedio.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.WriteBedMethylRow(tally.Row{Contig: "chr1", Pos: 0, Strand: '+'}))
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), "chr1\t0\t1\t.\t"))
}

func TestBedGraphSetSplitsByCodeAndStrand(t *testing.T) {
	ctx := vcontext.Background()
	prefix := filepath.Join(t.TempDir(), "run")

	bg, err := bedio.CreateBedGraphSet(ctx, prefix+".bed", bedio.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, bg.WriteRow(tally.Row{Contig: "chr1", Pos: 5, Strand: '+', Code: "m", NMod: 1, NCanonical: 1}))
	require.NoError(t, bg.WriteRow(tally.Row{Contig: "chr1", Pos: 6, Strand: '-', Code: "m", NMod: 3, NCanonical: 1}))
	require.NoError(t, bg.Close())

	plus, err := os.ReadFile(prefix + "_m_+.bedgraph")
	require.NoError(t, err)
	assert.Equal(t, "chr1\t5\t6\t0.5000\t2\n", string(plus))

	minus, err := os.ReadFile(prefix + "_m_-.bedgraph")
	require.NoError(t, err)
	assert.Equal(t, "chr1\t6\t7\t0.7500\t4\n", string(minus))
}
