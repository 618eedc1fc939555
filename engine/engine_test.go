package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilshansen/synapse-go/bitcodec"
	"github.com/vilshansen/synapse-go/carrier"
	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/cryptoutils"
	"github.com/vilshansen/synapse-go/payload"
	"github.com/vilshansen/synapse-go/synerr"
	"github.com/vilshansen/synapse-go/weights"
)

var testPasskey = []byte("abc123")

func forge(t *testing.T, raw []byte, opts ForgeOptions) *ForgeResult {
	t.Helper()
	if opts.Passkey == nil {
		opts.Passkey = testPasskey
	}
	result, err := ForgeBytes(raw, opts, nil)
	require.NoError(t, err)
	return result
}

// weightRegion returns the offset of the first weight in a container.
func weightRegion(t *testing.T, data []byte) int {
	t.Helper()
	return constants.HeaderLenSize + int(binary.LittleEndian.Uint64(data[:constants.HeaderLenSize]))
}

func weightAt(data []byte, offset int, slot uint32) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[offset+int(slot)*4:]))
}

func setWeight(data []byte, offset int, slot uint32, w float32) {
	binary.LittleEndian.PutUint32(data[offset+int(slot)*4:], math.Float32bits(w))
}

func TestForgeGolden(t *testing.T) {
	result := forge(t, []byte("hello"), ForgeOptions{MaskName: "Test"})

	assert.Equal(t, "synapse_test.safetensors", result.Filename)
	assert.Equal(t, uint64(10000), result.Header.NumWeights)
	assert.Equal(t, uint64(5), result.Header.PayloadBytes)
	assert.Equal(t, uint64(9), result.Header.TotalBytes)
	assert.Equal(t, constants.DefaultFilename, result.Header.Filename)
	assert.Equal(t, constants.ContainerType, result.Header.Type)

	data := result.Container.Bytes()
	require.Len(t, data, 40208)
	assert.Equal(t, int64(len(data)), result.Container.Size())

	sum := sha256.Sum256(data)
	assert.Equal(t, "fabcce010ebd13f07b51ec35efd3f6e4b4b236b7367dca326b063b463802a954", hex.EncodeToString(sum[:]))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		opts ForgeOptions
	}{
		{name: "hello", raw: []byte("hello")},
		{name: "empty payload", raw: []byte{}},
		{name: "text default filename", raw: []byte("notes"), opts: ForgeOptions{Text: true}},
		{name: "explicit filename", raw: []byte{0, 1, 2, 3}, opts: ForgeOptions{Filename: "data.bin"}},
		{name: "dense", raw: bytes.Repeat([]byte{0xA5, 0x5A}, 1000), opts: ForgeOptions{Density: 10}},
		{name: "sparse", raw: bytes.Repeat([]byte{0xFF}, 300), opts: ForgeOptions{Density: 0.25}},
		{name: "small chunks", raw: []byte("chunked weights"), opts: ForgeOptions{ChunkSize: 333}},
		{name: "zstd", raw: []byte(strings.Repeat("the quick brown fox ", 100)), opts: ForgeOptions{Compression: payload.CompressionZstd}},
		{name: "lz4", raw: []byte(strings.Repeat("jumps over the lazy dog ", 100)), opts: ForgeOptions{Compression: payload.CompressionLZ4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forged := forge(t, tt.raw, tt.opts)

			result, err := UnmaskBytes(forged.Container.Bytes(), UnmaskOptions{Passkey: testPasskey}, nil)
			require.NoError(t, err)
			assert.Equal(t, len(tt.raw), len(result.Payload))
			if len(tt.raw) > 0 {
				assert.Equal(t, tt.raw, result.Payload)
			}
			assert.Equal(t, PayloadFilename(tt.opts.Filename, tt.opts.Text), result.Filename)
			assert.Zero(t, result.FillerMismatches)
			assert.Equal(t, forged.Header, result.Header)
		})
	}
}

func TestCompressionRecordedInHeader(t *testing.T) {
	raw := []byte(strings.Repeat("compressible ", 500))
	forged := forge(t, raw, ForgeOptions{Compression: payload.CompressionZstd})

	assert.Equal(t, "zstd", forged.Header.Compression)
	assert.Equal(t, uint64(len(raw)), forged.Header.UncompressedBytes)
	assert.Less(t, forged.Header.PayloadBytes, uint64(len(raw)))

	result, err := UnmaskBytes(forged.Container.Bytes(), UnmaskOptions{Passkey: testPasskey}, nil)
	require.NoError(t, err)
	assert.Equal(t, "zstd", result.Metadata["compression"])
	assert.Equal(t, raw, result.Payload)
}

func TestWrongPasskey(t *testing.T) {
	forged := forge(t, []byte("hello"), ForgeOptions{})

	_, err := UnmaskBytes(forged.Container.Bytes(), UnmaskOptions{Passkey: []byte("abc124")}, nil)
	require.ErrorIs(t, err, synerr.ErrIntegrity)
	assert.Contains(t, err.Error(), "wrong passkey or corrupted container")
}

func TestCarrierCorruptionDetected(t *testing.T) {
	raw := []byte("The quick brown fox")
	forged := forge(t, raw, ForgeOptions{})
	clean := forged.Container.Bytes()
	offset := weightRegion(t, clean)

	m, err := carrier.Select(cryptoutils.DeriveSeed(testPasskey), forged.Header.NumWeights, forged.Header.TotalBytes*8)
	require.NoError(t, err)

	for k := 0; k < m.Len(); k += 7 {
		data := bytes.Clone(clean)
		slot := m.Slot(k)
		w := weightAt(data, offset, slot)
		setWeight(data, offset, slot, bitcodec.Embed(w, 1-bitcodec.Extract(w)))

		_, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey}, nil)
		require.ErrorIs(t, err, synerr.ErrIntegrity, "carrier bit %d at slot %d", k, slot)
	}
}

func TestFillerMatchesSynthesizedStream(t *testing.T) {
	forged := forge(t, []byte("hello"), ForgeOptions{})
	data := forged.Container.Bytes()
	offset := weightRegion(t, data)
	seed := cryptoutils.DeriveSeed(testPasskey)

	m, err := carrier.Select(seed, forged.Header.NumWeights, forged.Header.TotalBytes*8)
	require.NoError(t, err)
	carriers := make(map[uint32]bool, m.Len())
	for _, slot := range m.Slots() {
		carriers[slot] = true
	}

	expected := make([]float32, forged.Header.NumWeights)
	weights.New(seed).Fill(expected)

	var moved int
	for slot := range uint32(len(expected)) {
		got := weightAt(data, offset, slot)
		if carriers[slot] {
			assert.LessOrEqual(t, math.Abs(float64(got)-float64(expected[slot])), 1.6e-6, "carrier %d", slot)
			if got != expected[slot] {
				moved++
			}
			continue
		}
		require.Equal(t, math.Float32bits(expected[slot]), math.Float32bits(got), "filler slot %d", slot)
	}
	assert.Positive(t, moved)

	// Tampering with filler does not affect the payload but is counted.
	filler := uint32(0)
	for carriers[filler] {
		filler++
	}
	setWeight(data, offset, filler, 0.5)
	result, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result.Payload)
	assert.Equal(t, uint64(1), result.FillerMismatches)
}

func TestChunkSizeDoesNotChangeOutput(t *testing.T) {
	raw := bytes.Repeat([]byte("chunk"), 400)
	reference := forge(t, raw, ForgeOptions{}).Container.Bytes()

	for _, size := range []int{1, 7, 1000, 4096, 1 << 22} {
		forged := forge(t, raw, ForgeOptions{ChunkSize: size})
		assert.Equal(t, reference, forged.Container.Bytes(), "chunk size %d", size)

		result, err := UnmaskBytes(reference, UnmaskOptions{Passkey: testPasskey, ChunkSize: size}, nil)
		require.NoError(t, err)
		assert.Equal(t, raw, result.Payload)
	}
}

func TestWriterPartsMatchesContainer(t *testing.T) {
	raw := []byte("streamed straight to a writer")
	opts := ForgeOptions{Passkey: testPasskey, ChunkSize: 2500}

	var buf bytes.Buffer
	header, written, err := ForgeTo(&buf, raw, opts, nil)
	require.NoError(t, err)

	forged := forge(t, raw, opts)
	assert.Equal(t, forged.Container.Bytes(), buf.Bytes())
	assert.Equal(t, forged.Header, header)
	assert.Equal(t, int64(buf.Len()), written)
	assert.Equal(t, forged.Container.Size(), written)

	// Prefix, header, then one part per chunk.
	assert.Len(t, forged.Container.Parts(), 2+4)

	var out bytes.Buffer
	n, err := forged.Container.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, forged.Container.Size(), n)
	assert.Equal(t, buf.Bytes(), out.Bytes())
}

func TestUnmaskFromReader(t *testing.T) {
	raw := []byte("read without concatenating")
	forged := forge(t, raw, ForgeOptions{ChunkSize: 1024})

	result, err := UnmaskFrom(forged.Container.Reader(), forged.Container.Size(), UnmaskOptions{Passkey: testPasskey}, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, result.Payload)

	data := forged.Container.Bytes()
	_, err = UnmaskFrom(bytes.NewReader(data[:len(data)-3]), int64(len(data)), UnmaskOptions{Passkey: testPasskey}, nil)
	assert.ErrorIs(t, err, synerr.ErrFormat)
}

func TestProgress(t *testing.T) {
	raw := []byte("progress")
	var events []Progress
	forged, err := ForgeBytes(raw, ForgeOptions{Passkey: testPasskey, ChunkSize: 1000}, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	assertProgress(t, events, StageSynthesizeAndEmbed, 10)

	events = nil
	_, err = UnmaskBytes(forged.Container.Bytes(), UnmaskOptions{Passkey: testPasskey, ChunkSize: 1000}, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	assertProgress(t, events, StageSynthesizeAndExtract, 10)
}

func assertProgress(t *testing.T, events []Progress, chunkStage Stage, chunks int) {
	t.Helper()
	require.NotEmpty(t, events)

	var seen int
	for i, p := range events {
		assert.NotEmpty(t, p.Label)
		if i > 0 {
			assert.GreaterOrEqual(t, p.Percent, events[i-1].Percent, "event %d: %v", i, p)
			assert.GreaterOrEqual(t, p.Stage, events[i-1].Stage, "event %d: %v", i, p)
		}
		if p.Stage == chunkStage {
			seen++
		}
	}
	assert.Equal(t, chunks, seen)
	assert.Equal(t, StageInit, events[0].Stage)
	assert.Equal(t, Progress{Stage: StageDone, Percent: 100, Label: "Done"}, events[len(events)-1])
}

func TestFailedStage(t *testing.T) {
	op := NewUnmask(bytes.NewReader([]byte("short")), 5, UnmaskOptions{Passkey: testPasskey})
	assert.False(t, op.Step())
	assert.Equal(t, StageFailed, op.Progress().Stage)
	assert.ErrorIs(t, op.Err(), synerr.ErrFormat)
	assert.Nil(t, op.Result())
	assert.False(t, op.Step(), "a failed operation stays failed")
}

func TestContainerType(t *testing.T) {
	clean := forge(t, []byte("typed"), ForgeOptions{}).Container.Bytes()
	typeField := []byte(`"type":"` + constants.ContainerType + `",`)
	require.True(t, bytes.Contains(clean, typeField))

	t.Run("legacy container without type", func(t *testing.T) {
		data := bytes.Replace(clean, typeField, bytes.Repeat([]byte{' '}, len(typeField)), 1)
		result, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey}, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("typed"), result.Payload)
		assert.NotContains(t, result.Metadata, "type")
	})

	t.Run("unknown type", func(t *testing.T) {
		data := bytes.Replace(clean, []byte(constants.ContainerType), []byte("synapse_v9_bitset"), 1)
		_, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey}, nil)
		require.ErrorIs(t, err, synerr.ErrFormat)
		assert.Equal(t, "__metadata__.type", synerr.FieldOf(err))
	})
}

func TestCapacity(t *testing.T) {
	_, err := NumWeights(1<<31, 1.0)
	assert.ErrorIs(t, err, synerr.ErrCapacity)

	_, err = ForgeBytes([]byte("hello"), ForgeOptions{Passkey: testPasskey, Density: 1e-9}, nil)
	assert.ErrorIs(t, err, synerr.ErrCapacity)
}

func TestDensityValidation(t *testing.T) {
	for _, density := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := ForgeBytes([]byte("x"), ForgeOptions{Passkey: testPasskey, Density: density}, nil)
		assert.ErrorIs(t, err, synerr.ErrUsage, "density %v", density)
	}

	d, err := NormalizeDensity(0)
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultDensity, d)
}

func TestNumWeights(t *testing.T) {
	tests := []struct {
		bits    uint64
		density float64
		want    uint64
	}{
		{bits: 72, density: 1, want: 10000},
		{bits: 0, density: 1, want: 10000},
		{bits: 16032, density: 1, want: 160320},
		{bits: 16032, density: 2, want: 80160},
		{bits: 16032, density: 0.5, want: 320640},
		{bits: 16032, density: 10, want: 32064},
		{bits: 16032, density: 100, want: 32064},
	}
	for _, tt := range tests {
		got, err := NumWeights(tt.bits, tt.density)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "bits %d density %v", tt.bits, tt.density)
	}
}

func TestNumWeightsMonotonicInDensity(t *testing.T) {
	densities := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 50}
	for _, bits := range []uint64{8, 72, 8000, 123457} {
		previous := uint64(math.MaxUint64)
		for _, density := range densities {
			n, err := NumWeights(bits, density)
			require.NoError(t, err)
			assert.LessOrEqual(t, n, previous, "bits %d density %v", bits, density)
			assert.GreaterOrEqual(t, n, bits)
			assert.GreaterOrEqual(t, n, uint64(constants.MinWeights))
			previous = n
		}
	}
}

func TestMaskFilename(t *testing.T) {
	tests := map[string]string{
		"Test":           "synapse_test.safetensors",
		"My  Mask\tName": "synapse_my_mask_name.safetensors",
		" Padded ":       "synapse__padded_.safetensors",
		"already_snake":  "synapse_already_snake.safetensors",
		"":               "synapse_.safetensors",
	}
	for mask, want := range tests {
		assert.Equal(t, want, MaskFilename(mask), "mask %q", mask)
	}
}

func TestRestoredFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":       "report.pdf",
		"dir/inner.txt":    "inner.txt",
		"../../etc/passwd": "passwd",
		"":                 constants.RestoredFilename,
		"..":               constants.RestoredFilename,
		"/":                constants.RestoredFilename,
	}
	for name, want := range tests {
		assert.Equal(t, want, restoredFilename(name), "name %q", name)
	}
}

func TestJobs(t *testing.T) {
	raw := []byte("background job")
	forgeJob := StartForge(raw, ForgeOptions{Passkey: testPasskey, MaskName: "bg", ChunkSize: 2000})

	var last Progress
	for p := range forgeJob.Progress() {
		assert.GreaterOrEqual(t, p.Percent, last.Percent)
		last = p
	}
	forged, err := forgeJob.Wait()
	require.NoError(t, err)
	assert.Equal(t, "synapse_bg.safetensors", forged.Filename)

	unmaskJob := StartUnmask(forged.Container.Bytes(), UnmaskOptions{Passkey: testPasskey})
	<-unmaskJob.Done()
	result, err := unmaskJob.Wait()
	require.NoError(t, err)
	assert.Equal(t, raw, result.Payload)

	failing := StartUnmask(forged.Container.Bytes(), UnmaskOptions{Passkey: []byte("nope")})
	result, err = failing.Wait()
	assert.ErrorIs(t, err, synerr.ErrIntegrity)
	assert.Nil(t, result)
}

func TestJobDeliversFinalEventToSlowConsumer(t *testing.T) {
	// 10000 weights in chunks of 50 is far more events than the buffer holds.
	job := StartForge([]byte("slow"), ForgeOptions{Passkey: testPasskey, ChunkSize: 50})
	_, err := job.Wait()
	require.NoError(t, err)

	var events []Progress
	for p := range job.Progress() {
		events = append(events, p)
	}
	require.LessOrEqual(t, len(events), progressBuffer)
	assert.Equal(t, Progress{Stage: StageDone, Percent: 100, Label: "Done"}, events[len(events)-1])

	failing := StartUnmask([]byte("not a container"), UnmaskOptions{Passkey: testPasskey})
	_, err = failing.Wait()
	require.Error(t, err)

	events = events[:0]
	for p := range failing.Progress() {
		events = append(events, p)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, StageFailed, events[len(events)-1].Stage)
}

func TestConcurrentOperationsAreIndependent(t *testing.T) {
	payloads := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie"), []byte("delta")}
	jobs := make([]*Job[*ForgeResult], len(payloads))
	for i, raw := range payloads {
		jobs[i] = StartForge(raw, ForgeOptions{Passkey: []byte{byte(i), 'k', 'e', 'y'}})
	}
	for i, job := range jobs {
		forged, err := job.Wait()
		require.NoError(t, err)
		result, err := UnmaskBytes(forged.Container.Bytes(), UnmaskOptions{Passkey: []byte{byte(i), 'k', 'e', 'y'}}, nil)
		require.NoError(t, err)
		assert.Equal(t, payloads[i], result.Payload)
	}
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "synthesize_and_embed", StageSynthesizeAndEmbed.String())
	assert.Equal(t, "failed", StageFailed.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
	assert.Equal(t, " 50% Mapping", Progress{Percent: 50, Label: "Mapping"}.String())
}

func TestRoundTripProperty(t *testing.T) {
	densities := []float64{0.5, 1, 2, 5}
	property := func(raw, passkey []byte, pick uint8) bool {
		opts := ForgeOptions{Passkey: passkey, Density: densities[int(pick)%len(densities)], ChunkSize: 4096}
		forged, err := ForgeBytes(raw, opts, nil)
		if err != nil {
			return false
		}
		data := forged.Container.Bytes()

		result, err := UnmaskBytes(data, UnmaskOptions{Passkey: passkey}, nil)
		if err != nil || !bytes.Equal(result.Payload, raw) || result.FillerMismatches != 0 {
			return false
		}

		other := append(bytes.Clone(passkey), 'x')
		_, err = UnmaskBytes(data, UnmaskOptions{Passkey: other}, nil)
		return errors.Is(err, synerr.ErrIntegrity)
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

// hostTensor returns n weights shaped like a trained layer.
func hostTensor(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(0.3 * math.Sin(float64(i)*0.731))
	}
	return w
}

func TestForgeIntoHostWeights(t *testing.T) {
	host := hostTensor(40000)
	original := slices.Clone(host)
	raw := []byte("hidden in a trained layer")

	forged := forge(t, raw, ForgeOptions{HostWeights: host, Density: 3, ChunkSize: 7000})
	assert.Equal(t, original, host, "the host slice is never modified")
	assert.Equal(t, constants.SourceHost, forged.Header.Source)
	assert.Equal(t, uint64(len(host)), forged.Header.NumWeights)
	bits := float64(forged.Header.TotalBytes * 8)
	assert.InDelta(t, constants.BaseMultiplier*bits/float64(len(host)), forged.Header.Density, 1e-12)

	data := forged.Container.Bytes()
	offset := weightRegion(t, data)
	m, err := carrier.Select(cryptoutils.DeriveSeed(testPasskey), forged.Header.NumWeights, forged.Header.TotalBytes*8)
	require.NoError(t, err)
	carriers := make(map[uint32]bool, m.Len())
	for _, slot := range m.Slots() {
		carriers[slot] = true
	}
	for slot := range uint32(len(host)) {
		w := weightAt(data, offset, slot)
		if carriers[slot] {
			assert.InDelta(t, host[slot], w, 1.6e-6, "carrier %d", slot)
			continue
		}
		require.Equal(t, math.Float32bits(host[slot]), math.Float32bits(w), "host weight %d", slot)
	}

	result, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey, ChunkSize: 3000}, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, result.Payload)
	assert.Zero(t, result.FillerMismatches)
	assert.Equal(t, constants.SourceHost, result.Metadata["source"])

	_, err = UnmaskBytes(data, UnmaskOptions{Passkey: []byte("abc124")}, nil)
	assert.ErrorIs(t, err, synerr.ErrIntegrity)
}

func TestForgeIntoHostWeightsRejects(t *testing.T) {
	small := hostTensor(100)
	_, err := ForgeBytes([]byte("too big for the host"), ForgeOptions{Passkey: testPasskey, HostWeights: small}, nil)
	assert.ErrorIs(t, err, synerr.ErrCapacity)

	_, err = ForgeBytes(nil, ForgeOptions{Passkey: testPasskey, HostWeights: []float32{}}, nil)
	assert.ErrorIs(t, err, synerr.ErrCapacity)

	tests := map[string]float32{
		"nan":      float32(math.NaN()),
		"infinity": float32(math.Inf(-1)),
		"too big":  constants.MaxHostMagnitude,
	}
	for name, bad := range tests {
		t.Run(name, func(t *testing.T) {
			host := hostTensor(1000)
			host[7] = bad
			_, err := ForgeBytes([]byte("x"), ForgeOptions{Passkey: testPasskey, HostWeights: host}, nil)
			require.ErrorIs(t, err, synerr.ErrUsage)
			assert.Contains(t, err.Error(), "host weight 7")
		})
	}

	// Density is ignored for host weights.
	_, err = ForgeBytes([]byte("x"), ForgeOptions{Passkey: testPasskey, HostWeights: hostTensor(1000), Density: -1}, nil)
	assert.NoError(t, err)
}

func TestHostCapacity(t *testing.T) {
	n, density, err := HostCapacity(1000, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), n)
	assert.Equal(t, 1.0, density)

	_, _, err = HostCapacity(199, 100)
	assert.ErrorIs(t, err, synerr.ErrCapacity)

	n, _, err = HostCapacity(200, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), n)
}

func TestUnknownWeightSource(t *testing.T) {
	clean := forge(t, []byte("sourced"), ForgeOptions{HostWeights: hostTensor(2000)}).Container.Bytes()
	data := bytes.Replace(clean, []byte(`"source":"host"`), []byte(`"source":"mist"`), 1)
	require.NotEqual(t, clean, data)

	_, err := UnmaskBytes(data, UnmaskOptions{Passkey: testPasskey}, nil)
	require.ErrorIs(t, err, synerr.ErrFormat)
	assert.Equal(t, "__metadata__.source", synerr.FieldOf(err))
}
