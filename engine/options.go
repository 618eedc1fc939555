package engine

import (
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/vilshansen/synapse-go/carrier"
	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/payload"
	"github.com/vilshansen/synapse-go/synerr"
)

// ForgeOptions configures one forge operation.
type ForgeOptions struct {
	// MaskName names the output file: synapse_<mask>.safetensors.
	MaskName string

	// Passkey selects carriers and seeds the filler. The engine never
	// modifies or retains it past the operation.
	Passkey []byte

	// Filename is recorded in the header and restored on unmask. When
	// empty it defaults to knowledge.txt for text payloads and
	// payload.bin otherwise.
	Filename string
	Text     bool

	// Density scales the weight count: numWeights = bits * max(10/density, 2),
	// never fewer than 10000. Zero means 1.0.
	Density float64

	Compression payload.Compression

	// HostWeights, when non-nil, replaces the synthesized filler with the
	// weights of an existing tensor. The container then holds exactly
	// len(HostWeights) weights, Density is ignored and the effective
	// density is recorded instead. The slice is read, never modified.
	HostWeights []float32

	// ChunkSize is the number of weights processed per Step. Zero means
	// constants.ChunkSize.
	ChunkSize int

	Logger *slog.Logger
}

// UnmaskOptions configures one unmask operation.
type UnmaskOptions struct {
	Passkey   []byte
	ChunkSize int
	Logger    *slog.Logger
}

func chunkSizeOrDefault(n int) uint64 {
	if n <= 0 {
		return constants.ChunkSize
	}
	return uint64(n)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// NormalizeDensity maps 0 to the default density and rejects values the
// weight count formula cannot use.
func NormalizeDensity(density float64) (float64, error) {
	switch {
	case density == 0:
		return constants.DefaultDensity, nil
	case math.IsNaN(density) || math.IsInf(density, 0) || density < 0:
		return 0, synerr.Usage("density must be a positive finite number, got %v", density)
	}
	return density, nil
}

// NumWeights returns the weight count for numBits carried bits at the
// given density. It fails with a CapacityError when the result exceeds
// the addressable maximum of 2^32 weights.
func NumWeights(numBits uint64, density float64) (uint64, error) {
	density, err := NormalizeDensity(density)
	if err != nil {
		return 0, err
	}

	multiplier := math.Max(constants.BaseMultiplier/density, constants.MinMultiplier)
	n := math.Floor(math.Max(float64(numBits)*multiplier, constants.MinWeights))
	if n > float64(carrier.MaxWeights) {
		return 0, synerr.Capacity("%d payload bits at density %v need %.0f weights, more than the maximum of %d",
			numBits, density, n, carrier.MaxWeights)
	}
	return uint64(n), nil
}

// HostCapacity sizes a container around a host tensor of numHost weights.
// The host must offer at least MinMultiplier weights per bit, the same
// floor the synthesized layout keeps. It returns the weight count and the
// effective density.
func HostCapacity(numHost int, numBits uint64) (uint64, float64, error) {
	n := uint64(numHost)
	if n > carrier.MaxWeights {
		return 0, 0, synerr.Capacity("host tensor has %d weights, more than the maximum of %d", n, carrier.MaxWeights)
	}
	if float64(n) < float64(numBits)*constants.MinMultiplier {
		return 0, 0, synerr.Capacity("host tensor has %d weights but %d payload bits need at least %.0f",
			n, numBits, float64(numBits)*constants.MinMultiplier)
	}
	return n, constants.BaseMultiplier * float64(numBits) / float64(n), nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// MaskFilename returns the container filename for a mask name: the name
// lower-cased with every whitespace run replaced by one underscore.
func MaskFilename(maskName string) string {
	name := whitespaceRun.ReplaceAllString(strings.ToLower(maskName), "_")
	return constants.MaskPrefix + name + constants.MaskExtension
}

// PayloadFilename is the filename recorded in the header.
func PayloadFilename(filename string, text bool) string {
	switch {
	case filename != "":
		return filename
	case text:
		return constants.TextFilename
	default:
		return constants.DefaultFilename
	}
}
