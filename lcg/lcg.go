// Package lcg implements the linear congruential generator that drives both
// carrier selection and weight synthesis:
//
//	seed' = (seed*1664525 + 1013904223) mod 2^32
//
// The generator's entire state is the 32-bit seed, so two generators built
// from the same seed produce the same stream forever.
package lcg

import "github.com/vilshansen/synapse-go/constants"

// Step returns the successor of seed.
func Step(seed uint32) uint32 {
	return seed*constants.LCGMultiplier + constants.LCGIncrement
}

// Generator is a stateful LCG stream. The zero value starts from seed 0.
// A Generator is not safe for concurrent use; each operation owns its own.
type Generator struct {
	state uint32
}

// New returns a generator positioned at seed. The first call to Next
// returns Step(seed).
func New(seed uint32) *Generator {
	return &Generator{state: seed}
}

// Next advances the stream and returns the new seed.
func (g *Generator) Next() uint32 {
	g.state = Step(g.state)
	return g.state
}

// State returns the current seed without advancing.
func (g *Generator) State() uint32 {
	return g.state
}
