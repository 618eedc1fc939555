package engine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/vilshansen/synapse-go/bitcodec"
	"github.com/vilshansen/synapse-go/carrier"
	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/cryptoutils"
	"github.com/vilshansen/synapse-go/headers"
	"github.com/vilshansen/synapse-go/payload"
	"github.com/vilshansen/synapse-go/synerr"
	"github.com/vilshansen/synapse-go/weights"
)

// Forge embeds a payload into a freshly synthesized weight array.
type Forge struct {
	opts   ForgeOptions
	raw    []byte
	out    PartWriter
	logger *slog.Logger

	progress Progress
	err      error

	chunkSize   uint64
	protected   []byte
	header      headers.Header
	seed        uint32
	assignments []carrier.Assignment
	next        int
	synth       weights.Source
	scratch     []float32
	offset      uint64
	written     int64
}

// NewForge prepares a forge of raw into out. raw is owned by the
// operation until it finishes and must not be modified by the caller.
func NewForge(raw []byte, opts ForgeOptions, out PartWriter) *Forge {
	return &Forge{
		opts:      opts,
		raw:       raw,
		out:       out,
		logger:    loggerOrDiscard(opts.Logger),
		chunkSize: chunkSizeOrDefault(opts.ChunkSize),
		progress:  Progress{Stage: StageInit, Label: "Queued"},
	}
}

// Progress returns the event produced by the last Step.
func (f *Forge) Progress() Progress { return f.progress }

// Err returns the error that moved the forge to StageFailed, if any.
func (f *Forge) Err() error { return f.err }

// Header returns the container header. It is complete once the forge has
// passed StageInit.
func (f *Forge) Header() headers.Header { return f.header }

// Filename returns the container filename for the configured mask.
func (f *Forge) Filename() string { return MaskFilename(f.opts.MaskName) }

// Written is the number of container bytes handed to the PartWriter.
func (f *Forge) Written() int64 { return f.written }

// Step advances the forge by one stage or one weight chunk. It returns
// false once the forge is done or has failed.
func (f *Forge) Step() bool {
	var err error
	switch f.progress.Stage {
	case StageInit:
		if f.progress.Percent > 0 {
			err = f.deriveSeed()
		} else {
			err = f.prepare()
		}
	case StageDeriveSeed:
		err = f.buildCarrierMap()
	case StageBuildCarrierMap, StageSynthesizeAndEmbed:
		if f.offset < f.header.NumWeights {
			err = f.embedChunk()
		} else {
			err = f.finalize()
		}
	case StageFinalize:
		f.progress = Progress{Stage: StageDone, Percent: percentDone, Label: "Done"}
		f.logger.Info("forge complete",
			"filename", f.Filename(),
			"payload_bytes", f.header.PayloadBytes,
			"weights", f.header.NumWeights,
			"container_bytes", f.written)
	default:
		return false
	}

	if err != nil {
		f.fail(err)
		return false
	}
	return true
}

func (f *Forge) fail(err error) {
	f.logger.Error("forge failed", "stage", f.progress.Stage, "error", err)
	f.err = err
	f.progress = Progress{Stage: StageFailed, Percent: f.progress.Percent, Label: err.Error()}
	f.raw = nil
	f.protected = nil
	f.assignments = nil
}

// prepare compresses and frames the payload and sizes the weight array.
func (f *Forge) prepare() error {
	var density float64
	if f.opts.HostWeights == nil {
		normalized, err := NormalizeDensity(f.opts.Density)
		if err != nil {
			return err
		}
		density = normalized
	}

	packed, codec, err := payload.Compress(f.raw, f.opts.Compression)
	if err != nil {
		return err
	}
	f.protected = payload.Protect(packed)
	numBits := uint64(len(f.protected)) * 8

	var numWeights uint64
	if f.opts.HostWeights != nil {
		if i, ok := weights.CheckHost(f.opts.HostWeights); !ok {
			return synerr.Usage("host weight %d is %v; host weights must be finite and below %v in magnitude",
				i, f.opts.HostWeights[i], constants.MaxHostMagnitude)
		}
		numWeights, density, err = HostCapacity(len(f.opts.HostWeights), numBits)
	} else {
		numWeights, err = NumWeights(numBits, density)
	}
	if err != nil {
		return err
	}

	f.header = headers.Header{
		Type:         constants.ContainerType,
		PayloadBytes: uint64(len(packed)),
		TotalBytes:   uint64(len(f.protected)),
		Filename:     PayloadFilename(f.opts.Filename, f.opts.Text),
		Density:      density,
		NumWeights:   numWeights,
	}
	if codec != payload.CompressionNone {
		f.header.Compression = codec.String()
		f.header.UncompressedBytes = uint64(len(f.raw))
	}
	if f.opts.HostWeights != nil {
		f.header.Source = constants.SourceHost
	}
	f.raw = nil

	f.logger.Debug("payload prepared",
		"payload_bytes", f.header.PayloadBytes,
		"compression", codec,
		"bits", numBits,
		"weights", numWeights,
		"host", f.opts.HostWeights != nil)
	f.progress = Progress{Stage: StageInit, Percent: percentInit, Label: "Preparing payload"}
	return nil
}

func (f *Forge) deriveSeed() error {
	f.seed = cryptoutils.DeriveSeed(f.opts.Passkey)
	f.progress = Progress{Stage: StageDeriveSeed, Percent: percentSeed, Label: "Deriving seed"}
	return nil
}

// buildCarrierMap selects the carriers and emits the prefix and header,
// which depend only on sizes already known.
func (f *Forge) buildCarrierMap() error {
	m, err := carrier.Select(f.seed, f.header.NumWeights, uint64(len(f.protected))*8)
	if err != nil {
		return err
	}
	f.assignments = m.BySlot()
	if f.opts.HostWeights != nil {
		f.synth = weights.NewHost(f.opts.HostWeights)
	} else {
		f.synth = weights.New(f.seed)
	}

	headerData, err := headers.GetHeaderBytes(f.header)
	if err != nil {
		return err
	}
	if err := f.emit(headers.EncodePrefix(len(headerData))); err != nil {
		return err
	}
	if err := f.emit(headerData); err != nil {
		return err
	}

	f.logger.Debug("carrier map built", "carriers", m.Len(), "strategy", carrier.Canonical)
	f.progress = Progress{Stage: StageBuildCarrierMap, Percent: percentMap, Label: "Mapping carriers"}
	return nil
}

// embedChunk fills the next chunk of weights from the source, embeds every bit whose
// carrier falls inside it, and hands the encoded chunk to the writer.
func (f *Forge) embedChunk() error {
	size := min(f.chunkSize, f.header.NumWeights-f.offset)
	if uint64(cap(f.scratch)) < size {
		f.scratch = make([]float32, size)
	}
	chunk := f.scratch[:size]
	f.synth.Fill(chunk)

	end := f.offset + size
	for f.next < len(f.assignments) && uint64(f.assignments[f.next].Slot) < end {
		a := f.assignments[f.next]
		i := uint64(a.Slot) - f.offset
		chunk[i] = bitcodec.Embed(chunk[i], bitcodec.BitAt(f.protected, uint64(a.Bit)))
		f.next++
	}

	part := make([]byte, size*constants.BytesPerF32)
	for i, w := range chunk {
		binary.LittleEndian.PutUint32(part[i*constants.BytesPerF32:], math.Float32bits(w))
	}
	if err := f.emit(part); err != nil {
		return err
	}

	f.offset = end
	f.progress = Progress{
		Stage:   StageSynthesizeAndEmbed,
		Percent: chunkPercent(f.offset, f.header.NumWeights),
		Label:   fmt.Sprintf("Synthesizing weights %d/%d", f.offset, f.header.NumWeights),
	}
	return nil
}

func (f *Forge) finalize() error {
	if f.next != len(f.assignments) {
		return fmt.Errorf("embedded %d of %d payload bits", f.next, len(f.assignments))
	}
	f.protected = nil
	f.assignments = nil
	f.scratch = nil
	f.progress = Progress{Stage: StageFinalize, Percent: percentFinalize, Label: "Finalizing container"}
	return nil
}

func (f *Forge) emit(part []byte) error {
	if err := f.out.WritePart(part); err != nil {
		return err
	}
	f.written += int64(len(part))
	return nil
}
