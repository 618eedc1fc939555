package weights

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilshansen/synapse-go/lcg"
)

func TestGoldenStream(t *testing.T) {
	// Seed of passkey "abc123"; synthesis starts from seed+1.
	s := New(1379770732)
	got := make([]float32, 3)
	s.Fill(got)

	want := []uint32{0x3cbe7b73, 0x3d049170, 0x3c606122}
	for i, bits := range want {
		assert.Equal(t, bits, math.Float32bits(got[i]), "weight %d = %v", i, got[i])
	}
	assert.Equal(t, uint64(3), s.Produced())
}

func TestValueRange(t *testing.T) {
	assert.Equal(t, float32(-0.05), Value(0))
	assert.InDelta(t, 0.05, Value(math.MaxUint32), 1e-8)

	s := New(12345)
	buf := make([]float32, 50000)
	s.Fill(buf)
	for i, v := range buf {
		if v < float32(-0.05) || v > float32(0.05) {
			t.Fatalf("weight %d = %v outside [-0.05, 0.05]", i, v)
		}
	}
}

func TestChunkingDoesNotChangeStream(t *testing.T) {
	whole := make([]float32, 1000)
	New(77).Fill(whole)

	chunked := New(77)
	got := make([]float32, 0, 1000)
	for _, size := range []int{1, 99, 400, 500} {
		part := make([]float32, size)
		chunked.Fill(part)
		got = append(got, part...)
	}

	require.Equal(t, whole, got)
	assert.Equal(t, uint64(1000), chunked.Produced())
}

func TestSeedWraps(t *testing.T) {
	got := make([]float32, 1)
	New(math.MaxUint32).Fill(got)
	assert.Equal(t, Value(lcg.Step(0)), got[0])
}

func TestHostReplaysTensor(t *testing.T) {
	tensor := []float32{0.1, -0.2, 0.3, -0.4, 0.5}
	var source Source = NewHost(tensor)

	first := make([]float32, 2)
	source.Fill(first)
	assert.Equal(t, []float32{0.1, -0.2}, first)

	rest := []float32{9, 9, 9, 9}
	source.Fill(rest)
	assert.Equal(t, []float32{0.3, -0.4, 0.5, 0}, rest, "weights past the end are zero")
	assert.Equal(t, []float32{0.1, -0.2, 0.3, -0.4, 0.5}, tensor)
}

func TestCheckHost(t *testing.T) {
	_, ok := CheckHost([]float32{0, -3.99, 3.99, 1e-9})
	assert.True(t, ok)

	tests := map[string]float32{
		"nan":          float32(math.NaN()),
		"inf":          float32(math.Inf(1)),
		"limit":        4,
		"negative big": -100,
	}
	for name, bad := range tests {
		i, ok := CheckHost([]float32{0.1, 0.2, bad})
		assert.False(t, ok, name)
		assert.Equal(t, 2, i, name)
	}
}
