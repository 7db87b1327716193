package tally

import (
	"testing"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPicksHighestProb(t *testing.T) {
	code, prob := Classify(modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}})
	assert.Equal(t, modcode.Code("m"), code)
	assert.InDelta(t, 0.9, prob, 1e-9)

	code, prob = Classify(modcode.C, []modtag.Call{{Code: "m", Prob: 0.1}})
	assert.Equal(t, modcode.Canonical(modcode.C), code)
	assert.InDelta(t, 0.9, prob, 1e-9)
}

func TestAddClassifiesAboveAndBelowThreshold(t *testing.T) {
	tab := New()
	tab.Add("chr1", 10, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	tab.Add("chr1", 10, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.05}}, 0.5)
	rows := tab.Rows(CombineNone, 0)
	// Both calls land on one key, so they share one row: the 0.9 call
	// counts toward "m", the 0.05 call toward the canonical count.
	require.Len(t, rows, 1)
	assert.Equal(t, modcode.Code("m"), rows[0].Code)
	assert.Equal(t, 1, rows[0].NMod)
	assert.Equal(t, 1, rows[0].NCanonical)
}

// TestAddAtExactThresholdIsFiltered pins the §4.4 "≤ threshold" rule: a
// call exactly at the threshold is Filtered, not attributed to its code.
func TestAddAtExactThresholdIsFiltered(t *testing.T) {
	tab := New()
	tab.Add("chr1", 10, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.5}}, 0.5)
	rows := tab.Rows(CombineNone, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].NFiltered)
	assert.Equal(t, 0, rows[0].NMod)
	assert.Equal(t, 0, rows[0].NCanonical)
}

func TestCombineStrandMergesSamePosition(t *testing.T) {
	tab := New()
	tab.Add("chr1", 5, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	tab.Add("chr1", 5, '-', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	rows := tab.Rows(CombineStrand, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, byte('+'), rows[0].Strand)
	assert.Equal(t, 2, rows[0].NMod)
}

// TestCombineStrandMirroredOffsetMergesCpG exercises the §4.6/§8 scenario 5
// CpG rule: the '-' strand row one base after the '+' row merges into it,
// rather than a same-position '+'/'-' pair.
func TestCombineStrandMirroredOffsetMergesCpG(t *testing.T) {
	tab := New()
	tab.Add("chr1", 10, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	tab.Add("chr1", 11, '-', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	rows := tab.Rows(CombineStrand, 1)
	require.Len(t, rows, 1)
	assert.Equal(t, 10, rows[0].Pos)
	assert.Equal(t, byte('+'), rows[0].Strand)
	assert.Equal(t, 2, rows[0].NMod)
}

func TestCombineCodesMergesModCounts(t *testing.T) {
	tab := New()
	tab.Add("chr1", 5, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	tab.Add("chr1", 5, '+', modcode.C, []modtag.Call{{Code: "h", Prob: 0.9}}, 0.5)
	rows := tab.Rows(CombineCodes, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, modcode.Code(""), rows[0].Code)
	assert.Equal(t, 2, rows[0].NMod)
	assert.Equal(t, 0, rows[0].NOtherModified)
}

// TestOtherModifiedCoversSiblingCodes pins §4.5's n_other_modified rule:
// each code's row reports the other codes sharing its canonical base.
func TestOtherModifiedCoversSiblingCodes(t *testing.T) {
	tab := New()
	tab.Add("chr1", 5, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	tab.Add("chr1", 5, '+', modcode.C, []modtag.Call{{Code: "h", Prob: 0.9}}, 0.5)
	rows := tab.Rows(CombineNone, 0)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 1, r.NOtherModified)
		assert.Equal(t, 2, r.NValidCov())
		assert.InDelta(t, 0.5, r.FractionModified(), 1e-9)
	}
}

func TestMerge(t *testing.T) {
	a := New()
	b := New()
	a.Add("chr1", 1, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	b.Add("chr1", 1, '+', modcode.C, []modtag.Call{{Code: "m", Prob: 0.9}}, 0.5)
	a.Merge(b)
	rows := a.Rows(CombineNone, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].NMod)
	assert.Equal(t, 2, rows[0].NValid)
}

func TestAddNoCall(t *testing.T) {
	tab := New()
	tab.AddNoCall("chr1", 3, '+')
	rows := tab.Rows(CombineNone, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].NNoCall)
}

func TestAddDeleteAndDiff(t *testing.T) {
	tab := New()
	tab.AddDelete("chr1", 3, '+')
	tab.AddDiff("chr1", 3, '+')
	tab.AddDelete("chr1", 3, '+')
	rows := tab.Rows(CombineNone, 0)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].NDelete)
	assert.Equal(t, 1, rows[0].NDiff)
}

func TestStrandRuleAllows(t *testing.T) {
	assert.True(t, Both.Allows('+'))
	assert.True(t, Both.Allows('-'))
	assert.True(t, PositiveOnly.Allows('+'))
	assert.False(t, PositiveOnly.Allows('-'))
	assert.False(t, NegativeOnly.Allows('+'))
	assert.True(t, NegativeOnly.Allows('-'))
}

func TestSubStrandXOR(t *testing.T) {
	assert.Equal(t, byte('+'), SubStrand('+', '+'))
	assert.Equal(t, byte('+'), SubStrand('-', '-'))
	assert.Equal(t, byte('-'), SubStrand('+', '-'))
	assert.Equal(t, byte('-'), SubStrand('-', '+'))
}
