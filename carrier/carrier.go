// Package carrier selects which weight slots carry payload bits.
//
// The mapping from bit cursor to slot is a pure function of
// (seed, numWeights, numBits) and must be reproduced exactly on the unmask
// path; any divergence silently corrupts every decode. Exactly one
// selection strategy is compiled in, and its name is written into the
// container header so other format versions can be told apart.
//
// The canonical strategy is rejection sampling over a bitset: draw
// candidate = seed mod numWeights from the LCG, keep it if the slot is
// still free, and give it to the next bit cursor in draw order. The bitset
// costs numWeights/8 bytes and is released once the map is built. Because
// the LCG has full period 2^32, every slot is eventually drawn and the loop
// always terminates when numBits <= numWeights.
package carrier

import (
	"slices"

	"github.com/vilshansen/synapse-go/lcg"
	"github.com/vilshansen/synapse-go/synerr"
)

// Strategy names a carrier selection algorithm.
type Strategy string

const (
	// StrategyBitset is rejection sampling over a numWeights-bit set.
	StrategyBitset Strategy = "bitset"
)

// Canonical is the strategy used by both forge and unmask.
const Canonical = StrategyBitset

// MaxWeights is the largest weight array a 32-bit seed can address.
const MaxWeights = uint64(1) << 32

// Map assigns a distinct weight slot to every payload bit.
type Map struct {
	numWeights uint64
	slots      []uint32
}

// Assignment pairs a carrier slot with the payload bit it holds.
type Assignment struct {
	Slot uint32
	Bit  uint32
}

// Select builds the carrier map. It fails with a CapacityError when
// numBits exceeds numWeights or numWeights cannot be addressed.
func Select(seed uint32, numWeights, numBits uint64) (*Map, error) {
	if numWeights == 0 {
		return nil, synerr.Capacity("weight array is empty")
	}
	if numWeights > MaxWeights {
		return nil, synerr.Capacity("%d weights exceed the addressable maximum of %d", numWeights, MaxWeights)
	}
	if numBits > numWeights {
		return nil, synerr.Capacity("%d payload bits do not fit in %d weights", numBits, numWeights)
	}

	taken := make([]byte, (numWeights+7)/8)
	slots := make([]uint32, numBits)
	g := lcg.New(seed)

	for cursor := uint64(0); cursor < numBits; {
		candidate := uint64(g.Next()) % numWeights
		byteIdx, mask := candidate>>3, byte(1)<<(candidate&7)
		if taken[byteIdx]&mask != 0 {
			continue
		}
		taken[byteIdx] |= mask
		slots[cursor] = uint32(candidate)
		cursor++
	}

	return &Map{numWeights: numWeights, slots: slots}, nil
}

// Len is the number of carried bits.
func (m *Map) Len() int { return len(m.slots) }

// NumWeights is the size of the weight array the map was built for.
func (m *Map) NumWeights() uint64 { return m.numWeights }

// Slot returns the carrier slot of bit cursor k.
func (m *Map) Slot(k int) uint32 { return m.slots[k] }

// Slots returns a copy of the carrier list in bit-cursor order.
func (m *Map) Slots() []uint32 { return slices.Clone(m.slots) }

// Equal reports whether two maps assign identical slots.
func (m *Map) Equal(other *Map) bool {
	return m.numWeights == other.numWeights && slices.Equal(m.slots, other.slots)
}

// BySlot returns the assignments in ascending slot order, which is the
// order a streaming pass over the weight array meets them.
func (m *Map) BySlot() []Assignment {
	out := make([]Assignment, len(m.slots))
	for bit, slot := range m.slots {
		out[bit] = Assignment{Slot: slot, Bit: uint32(bit)}
	}
	slices.SortFunc(out, func(a, b Assignment) int {
		switch {
		case a.Slot < b.Slot:
			return -1
		case a.Slot > b.Slot:
			return 1
		}
		return 0
	})
	return out
}
