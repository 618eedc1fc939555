// Package weights supplies the weight tensor. Synthesized filler is one
// LCG draw per weight mapped onto [-0.05, 0.05), generated strictly in
// slot order from Seed+1, so the unmask path can regenerate the identical
// stream from the header alone. Host weights replay an existing tensor.
package weights

import (
	"math"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/lcg"
)

// Value maps one generator output onto the weight range. The explicit
// float64 conversion keeps the multiply and subtract from being fused, so
// every platform rounds the same way.
func Value(draw uint32) float32 {
	scaled := float64(float64(draw) / 4294967296.0 * constants.WeightSpan)
	return float32(scaled - constants.WeightOffset)
}

// Synthesizer produces the weight stream chunk by chunk.
type Synthesizer struct {
	gen      *lcg.Generator
	produced uint64
}

// New returns a synthesizer for the given passkey seed. Weight synthesis
// runs on its own stream starting at seed+1 (wrapping), separate from the
// carrier selector's stream.
func New(seed uint32) *Synthesizer {
	return &Synthesizer{gen: lcg.New(seed + 1)}
}

// Fill writes the next len(dst) weights into dst.
func (s *Synthesizer) Fill(dst []float32) {
	for i := range dst {
		dst[i] = Value(s.gen.Next())
	}
	s.produced += uint64(len(dst))
}

// Produced is the number of weights generated so far, i.e. the slot index
// of the next weight.
func (s *Synthesizer) Produced() uint64 {
	return s.produced
}

// Source supplies the weight stream in slot order.
type Source interface {
	Fill(dst []float32)
}

// Host replays the weights of an existing tensor instead of synthesizing
// them. Filling past the end of the tensor leaves dst zeroed.
type Host struct {
	weights []float32
	next    int
}

// NewHost returns a source over w. w is read, never modified.
func NewHost(w []float32) *Host {
	return &Host{weights: w}
}

// Fill copies the next len(dst) host weights into dst.
func (h *Host) Fill(dst []float32) {
	n := copy(dst, h.weights[h.next:])
	clear(dst[n:])
	h.next += n
}

// CheckHost reports the first weight the parity codec cannot carry:
// non-finite values, and magnitudes at which a float32 can no longer hold
// a 1e-6 step.
func CheckHost(w []float32) (int, bool) {
	for i, v := range w {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= constants.MaxHostMagnitude {
			return i, false
		}
	}
	return -1, true
}
