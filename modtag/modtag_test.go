package modtag

import (
	"testing"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal in-memory Source for tests.
type fakeSource struct {
	seq     []byte
	strings map[string]string
	bytes   map[string][]byte
}

func (f *fakeSource) SeqBytes() []byte { return f.seq }
func (f *fakeSource) StringTag(name string) (string, bool) {
	v, ok := f.strings[name]
	return v, ok
}
func (f *fakeSource) ByteTag(name string) ([]byte, bool) {
	v, ok := f.bytes[name]
	return v, ok
}

func TestParseBasic(t *testing.T) {
	// "ACGTACGT", one C+m group covering both Cs, skip 0 both times.
	src := &fakeSource{
		seq:     []byte("ACGTACGT"),
		strings: map[string]string{"MM": "C+m,0,0;"},
		bytes:   map[string][]byte{"ML": {200, 50}},
	}
	info, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, info.Groups, 1)
	g := info.Groups[0]
	assert.Equal(t, modcode.C, g.Base)
	assert.Equal(t, byte('+'), g.Strand)
	assert.Equal(t, []modcode.Code{"m"}, g.Codes)
	require.Len(t, g.Positions, 2)
	assert.Equal(t, 1, g.Positions[0].Pos)
	assert.Equal(t, 5, g.Positions[1].Pos)
	assert.InDelta(t, Dequantize(200), g.Positions[0].Calls[0].Prob, 1e-9)
}

func TestParseMissingTag(t *testing.T) {
	src := &fakeSource{seq: []byte("ACGT")}
	_, err := Parse(src)
	assert.Equal(t, ErrNoModTags, err)
}

func TestParseShortML(t *testing.T) {
	src := &fakeSource{
		seq:     []byte("ACGTACGT"),
		strings: map[string]string{"MM": "C+m,0,0;"},
		bytes:   map[string][]byte{"ML": {200}},
	}
	_, err := Parse(src)
	require.Error(t, err)
}

func TestParseNegativeDelta(t *testing.T) {
	src := &fakeSource{
		seq:     []byte("ACGTACGT"),
		strings: map[string]string{"MM": "C+m,-1;"},
		bytes:   map[string][]byte{"ML": {200}},
	}
	_, err := Parse(src)
	require.Error(t, err)
}

func TestRoundTripByteIdentical(t *testing.T) {
	cases := []struct {
		name string
		seq  string
		mm   string
		ml   []byte
	}{
		{"implicit-suffix", "ACGTACGTACGT", "C+m.,0,1;", []byte{10, 250}},
		{"ambiguous-suffix", "ACGTACGTACGT", "C+m?,0,0,0;", []byte{1, 2, 3}},
		{"multi-code", "ACGTACGTACGT", "C+mh,0,1;", []byte{10, 20, 30, 40}},
		{"neg-strand", "ACGTACGTACGT", "G-a,0,0;", []byte{5, 6}},
		{"two-groups", "ACGTACGTACGT", "C+m,0,1;A+a,0;", []byte{9, 99, 200}},
		{"prob-modified-no-suffix", "ACGTACGTACGT", "C+m,0,1;", []byte{0, 255}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src := &fakeSource{
				seq:     []byte(c.seq),
				strings: map[string]string{"MM": c.mm},
				bytes:   map[string][]byte{"ML": c.ml},
			}
			info, err := Parse(src)
			require.NoError(t, err)
			mm, ml, err := Serialize(info)
			require.NoError(t, err)
			assert.Equal(t, c.mm, mm)
			assert.Equal(t, c.ml, ml)
		})
	}
}

func TestLegacyStyle(t *testing.T) {
	src := &fakeSource{
		seq:     []byte("ACGT"),
		strings: map[string]string{"Mm": "C+m,0;"},
		bytes:   map[string][]byte{"Ml": {128}},
	}
	info, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, StyleLegacy, info.Style)
	promoted := info.Promote()
	assert.Equal(t, StyleCanonical, promoted.Style)
}

func TestQuantizeDequantizeRoundTrip(t *testing.T) {
	for v := 0; v < 256; v++ {
		got := Quantize(Dequantize(byte(v)))
		assert.Equal(t, byte(v), got, "v=%d", v)
	}
}
