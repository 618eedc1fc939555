package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"

	"github.com/vilshansen/synapse-go/bitcodec"
	"github.com/vilshansen/synapse-go/carrier"
	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/cryptoutils"
	"github.com/vilshansen/synapse-go/headers"
	"github.com/vilshansen/synapse-go/payload"
	"github.com/vilshansen/synapse-go/synerr"
	"github.com/vilshansen/synapse-go/weights"
)

// UnmaskResult is the recovered payload and what the header said about it.
type UnmaskResult struct {
	Payload  []byte
	Filename string
	Header   headers.Header

	// Metadata is the __metadata__ block as decimal strings.
	Metadata map[string]string

	// FillerMismatches counts non-carrier weights that differ from the
	// stream the passkey regenerates. It is zero for an untouched
	// container opened with the right passkey, and always zero for host
	// weights, which are not checked.
	FillerMismatches uint64
}

// Unmask recovers a payload from a container read sequentially from an
// io.Reader. Only one chunk of weights is buffered at a time.
type Unmask struct {
	input  io.Reader
	size   int64
	opts   UnmaskOptions
	logger *slog.Logger

	progress Progress
	err      error

	chunkSize   uint64
	header      headers.Header
	codec       payload.Compression
	seed        uint32
	assignments []carrier.Assignment
	next        int
	synth       *weights.Synthesizer
	filler      []float32
	buf         []byte
	offset      uint64
	recovered   []byte
	mismatches  uint64
	result      *UnmaskResult
}

// NewUnmask prepares an unmask of a container of size bytes read from
// input.
func NewUnmask(input io.Reader, size int64, opts UnmaskOptions) *Unmask {
	return &Unmask{
		input:     input,
		size:      size,
		opts:      opts,
		logger:    loggerOrDiscard(opts.Logger),
		chunkSize: chunkSizeOrDefault(opts.ChunkSize),
		progress:  Progress{Stage: StageInit, Label: "Queued"},
	}
}

// Progress returns the event produced by the last Step.
func (u *Unmask) Progress() Progress { return u.progress }

// Err returns the error that moved the unmask to StageFailed, if any.
func (u *Unmask) Err() error { return u.err }

// Result returns the recovered payload once the unmask is done.
func (u *Unmask) Result() *UnmaskResult { return u.result }

// Step advances the unmask by one stage or one weight chunk. It returns
// false once the unmask is done or has failed.
func (u *Unmask) Step() bool {
	var err error
	switch u.progress.Stage {
	case StageInit:
		if u.progress.Percent > 0 {
			err = u.deriveSeed()
		} else {
			err = u.readHeader()
		}
	case StageDeriveSeed:
		err = u.buildCarrierMap()
	case StageBuildCarrierMap, StageSynthesizeAndExtract:
		if u.offset < u.header.NumWeights {
			err = u.extractChunk()
		} else {
			err = u.finalize()
		}
	case StageFinalize:
		u.progress = Progress{Stage: StageDone, Percent: percentDone, Label: "Done"}
		u.logger.Info("unmask complete",
			"filename", u.result.Filename,
			"payload_bytes", len(u.result.Payload),
			"weights", u.header.NumWeights)
	default:
		return false
	}

	if err != nil {
		u.fail(err)
		return false
	}
	return true
}

func (u *Unmask) fail(err error) {
	u.logger.Error("unmask failed", "stage", u.progress.Stage, "error", err)
	u.err = err
	u.progress = Progress{Stage: StageFailed, Percent: u.progress.Percent, Label: err.Error()}
	u.recovered = nil
	u.assignments = nil
}

func (u *Unmask) readHeader() error {
	header, err := headers.ReadHeader(u.input, u.size)
	if err != nil {
		return err
	}
	if header.Type != "" && header.Type != constants.ContainerType {
		return synerr.Format("__metadata__.type",
			"container type %q is not supported, expected %q", header.Type, constants.ContainerType)
	}
	if header.Density <= 0 || math.IsNaN(header.Density) || math.IsInf(header.Density, 0) {
		return synerr.Format("__metadata__.density", "density %v is not a positive number", header.Density)
	}
	if header.Source != "" && header.Source != constants.SourceHost {
		return synerr.Format("__metadata__.source", "unknown weight source %q", header.Source)
	}
	codec, err := payload.ParseCompression(header.Compression)
	if err != nil {
		return synerr.Format("__metadata__.compression", "unsupported compression %q", header.Compression)
	}
	if codec != payload.CompressionNone && header.UncompressedBytes > constants.MaxUncompressedBytes {
		return synerr.Format("__metadata__.uncompressed_bytes",
			"%d bytes exceeds the %d byte limit", header.UncompressedBytes, uint64(constants.MaxUncompressedBytes))
	}
	u.codec = codec
	u.header = header

	u.logger.Debug("header read",
		"type", header.Type,
		"payload_bytes", header.PayloadBytes,
		"weights", header.NumWeights,
		"compression", header.Compression)
	u.progress = Progress{Stage: StageInit, Percent: percentInit, Label: "Reading container header"}
	return nil
}

func (u *Unmask) deriveSeed() error {
	u.seed = cryptoutils.DeriveSeed(u.opts.Passkey)
	u.progress = Progress{Stage: StageDeriveSeed, Percent: percentSeed, Label: "Deriving seed"}
	return nil
}

func (u *Unmask) buildCarrierMap() error {
	numBits := u.header.TotalBytes * 8
	if u.header.TotalBytes > u.header.NumWeights {
		return synerr.Capacity("header declares %d payload bytes but only %d weights", u.header.TotalBytes, u.header.NumWeights)
	}
	m, err := carrier.Select(u.seed, u.header.NumWeights, numBits)
	if err != nil {
		return err
	}
	u.assignments = m.BySlot()
	// Host weights cannot be regenerated, so only synthesized filler is
	// compared.
	if u.header.Source == "" {
		u.synth = weights.New(u.seed)
	}
	u.recovered = make([]byte, u.header.TotalBytes)

	u.progress = Progress{Stage: StageBuildCarrierMap, Percent: percentMap, Label: "Mapping carriers"}
	return nil
}

// extractChunk reads the next chunk of weights, reads the parity of every
// carrier inside it, and compares the remaining weights with the
// regenerated filler stream.
func (u *Unmask) extractChunk() error {
	size := min(u.chunkSize, u.header.NumWeights-u.offset)
	if uint64(cap(u.filler)) < size {
		u.filler = make([]float32, size)
		u.buf = make([]byte, size*constants.BytesPerF32)
	}
	filler := u.filler[:size]
	buf := u.buf[:size*constants.BytesPerF32]

	if _, err := io.ReadFull(u.input, buf); err != nil {
		return synerr.FormatCause(constants.TensorName, err, "error reading weights at slot %d", u.offset)
	}
	if u.synth != nil {
		u.synth.Fill(filler)
	}

	for i := range filler {
		w := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*constants.BytesPerF32:]))
		slot := u.offset + uint64(i)
		if u.next < len(u.assignments) && uint64(u.assignments[u.next].Slot) == slot {
			bitcodec.SetBit(u.recovered, uint64(u.assignments[u.next].Bit), bitcodec.Extract(w))
			u.next++
			continue
		}
		if u.synth != nil && math.Float32bits(w) != math.Float32bits(filler[i]) {
			u.mismatches++
		}
	}

	u.offset += size
	u.progress = Progress{
		Stage:   StageSynthesizeAndExtract,
		Percent: chunkPercent(u.offset, u.header.NumWeights),
		Label:   fmt.Sprintf("Extracting bits %d/%d", u.offset, u.header.NumWeights),
	}
	return nil
}

func (u *Unmask) finalize() error {
	if u.next != len(u.assignments) {
		return fmt.Errorf("extracted %d of %d payload bits", u.next, len(u.assignments))
	}
	u.filler, u.buf, u.assignments = nil, nil, nil

	packed, err := payload.Open(u.recovered, int(u.header.PayloadBytes))
	if err != nil {
		u.logger.Debug("payload rejected", "filler_mismatches", u.mismatches, "weights", u.header.NumWeights)
		return err
	}

	raw, err := payload.Decompress(packed, u.codec, int(u.header.UncompressedBytes))
	if err != nil {
		return err
	}

	if u.mismatches > 0 {
		u.logger.Warn("filler weights differ from the regenerated stream", "count", u.mismatches)
	}

	u.result = &UnmaskResult{
		Payload:          raw,
		Filename:         restoredFilename(u.header.Filename),
		Header:           u.header,
		Metadata:         metadataMap(u.header),
		FillerMismatches: u.mismatches,
	}
	u.progress = Progress{Stage: StageFinalize, Percent: percentFinalize, Label: "Verifying payload"}
	return nil
}

// restoredFilename keeps only the base name of the recorded filename so a
// crafted header cannot point outside the output directory.
func restoredFilename(name string) string {
	base := filepath.Base(filepath.Clean("/" + filepath.FromSlash(name)))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return constants.RestoredFilename
	}
	return base
}

func metadataMap(h headers.Header) map[string]string {
	meta := map[string]string{
		"payload_bytes": strconv.FormatUint(h.PayloadBytes, 10),
		"total_bytes":   strconv.FormatUint(h.TotalBytes, 10),
		"filename":      h.Filename,
		"density":       strconv.FormatFloat(h.Density, 'g', -1, 64),
	}
	if h.Type != "" {
		meta["type"] = h.Type
	}
	if h.Compression != "" {
		meta["compression"] = h.Compression
		meta["uncompressed_bytes"] = strconv.FormatUint(h.UncompressedBytes, 10)
	}
	if h.Source != "" {
		meta["source"] = h.Source
	}
	return meta
}
