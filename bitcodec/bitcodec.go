// Package bitcodec stores one payload bit in one carrier weight via
// fixed-point parity: scaled = round(w * 1e6), and the parity of scaled is
// the bit. Decoding only reads parity, so the adjustment direction used
// when embedding affects output bytes but never decodability.
package bitcodec

import (
	"math"

	"github.com/vilshansen/synapse-go/constants"
)

// Scaled returns round(w * Precision), rounding halves up.
func Scaled(w float32) int64 {
	x := float64(float64(w) * constants.Precision)
	return int64(math.Floor(x + 0.5))
}

// Embed returns w adjusted so that its scaled parity equals bit. When the
// parity is wrong the scaled value moves +1 for a 1 bit and -1 for a 0 bit.
func Embed(w float32, bit uint8) float32 {
	scaled := Scaled(w)
	if uint8(scaled&1) != bit {
		if bit == 1 {
			scaled++
		} else {
			scaled--
		}
	}
	return float32(float64(scaled) / constants.Precision)
}

// Extract reads the bit carried by w. The low bit of the two's-complement
// value is used, so negative weights decode like positive ones.
func Extract(w float32) uint8 {
	return uint8(Scaled(w) & 1)
}

// BitAt returns bit k of data, least significant bit of each byte first.
func BitAt(data []byte, k uint64) uint8 {
	return (data[k>>3] >> (k & 7)) & 1
}

// SetBit sets bit k of data when bit is 1. data must start zeroed.
func SetBit(data []byte, k uint64, bit uint8) {
	if bit == 1 {
		data[k>>3] |= 1 << (k & 7)
	}
}
