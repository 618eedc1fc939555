package fileutils

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/engine"
	"github.com/vilshansen/synapse-go/headers"
	"github.com/vilshansen/synapse-go/synerr"
)

const bufferSize = 1 << 20

// ForgeFile hides the contents of inputFile in a new container written to
// outputDir (the input's directory when empty). The container streams to
// disk chunk by chunk and is renamed into place only once complete. It
// returns the container path.
func ForgeFile(inputFile, outputDir string, opts engine.ForgeOptions, onProgress func(engine.Progress)) (string, headers.Header, error) {
	raw, err := os.ReadFile(inputFile)
	if err != nil {
		return "", headers.Header{}, fmt.Errorf("unable to read input file: %w", err)
	}
	if opts.Filename == "" {
		opts.Filename = filepath.Base(inputFile)
	}
	if outputDir == "" {
		outputDir = filepath.Dir(inputFile)
	}
	outputFile := filepath.Join(outputDir, engine.MaskFilename(opts.MaskName))

	var (
		header  headers.Header
		written int64
	)
	err = writeFileAtomic(outputFile, func(w io.Writer) error {
		var forgeErr error
		header, written, forgeErr = engine.ForgeTo(w, raw, opts, onProgress)
		return forgeErr
	})
	if err != nil {
		return "", headers.Header{}, err
	}

	logger(opts.Logger).Info("container written",
		"path", outputFile,
		"mask", opts.MaskName,
		"num_weights", header.NumWeights,
		"payload_bytes", header.PayloadBytes,
		"container_bytes", written)
	return outputFile, header, nil
}

// UnmaskFile recovers the payload from the container at inputFile and
// writes it to outputDir (the container's directory when empty) under the
// filename recorded in the header. The container is read sequentially
// and never loaded whole. Nothing is written when the unmask fails.
func UnmaskFile(inputFile, outputDir string, opts engine.UnmaskOptions, onProgress func(engine.Progress)) (string, *engine.UnmaskResult, error) {
	inFile, err := os.Open(inputFile)
	if err != nil {
		return "", nil, fmt.Errorf("unable to open input file: %w", err)
	}
	defer inFile.Close()

	fileInfo, err := inFile.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("unable to stat input file: %w", err)
	}

	result, err := engine.UnmaskFrom(bufio.NewReaderSize(inFile, bufferSize), fileInfo.Size(), opts, onProgress)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", inputFile, err)
	}

	if outputDir == "" {
		outputDir = filepath.Dir(inputFile)
	}
	outputFile := filepath.Join(outputDir, result.Filename)
	err = writeFileAtomic(outputFile, func(w io.Writer) error {
		_, writeErr := w.Write(result.Payload)
		return writeErr
	})
	if err != nil {
		return "", nil, err
	}

	logger(opts.Logger).Info("payload restored",
		"container", inputFile,
		"path", outputFile,
		"payload_bytes", len(result.Payload))
	return outputFile, result, nil
}

// LoadHostWeights reads one F32 tensor of an existing safetensors file,
// such as a model checkpoint, for use as engine.ForgeOptions.HostWeights.
// With an empty tensorName the largest F32 tensor is used.
func LoadHostWeights(inputFile, tensorName string) ([]float32, headers.Tensor, error) {
	inFile, err := os.Open(inputFile)
	if err != nil {
		return nil, headers.Tensor{}, fmt.Errorf("unable to open host file: %w", err)
	}
	defer inFile.Close()

	fileInfo, err := inFile.Stat()
	if err != nil {
		return nil, headers.Tensor{}, fmt.Errorf("unable to stat host file: %w", err)
	}

	tensors, dataStart, err := headers.ReadTensors(bufio.NewReader(inFile), fileInfo.Size())
	if err != nil {
		return nil, headers.Tensor{}, fmt.Errorf("%s: %w", inputFile, err)
	}
	tensor, err := pickHostTensor(tensors, tensorName)
	if err != nil {
		return nil, headers.Tensor{}, fmt.Errorf("%s: %w", inputFile, err)
	}

	section := io.NewSectionReader(inFile, dataStart+int64(tensor.Begin), int64(tensor.End-tensor.Begin))
	reader := bufio.NewReaderSize(section, bufferSize)
	hostWeights := make([]float32, tensor.Elements())
	var word [4]byte
	for i := range hostWeights {
		if _, err := io.ReadFull(reader, word[:]); err != nil {
			return nil, headers.Tensor{}, fmt.Errorf("error reading tensor %s: %w", tensor.Name, err)
		}
		hostWeights[i] = math.Float32frombits(binary.LittleEndian.Uint32(word[:]))
	}
	return hostWeights, tensor, nil
}

func pickHostTensor(tensors []headers.Tensor, tensorName string) (headers.Tensor, error) {
	if tensorName != "" {
		for _, tensor := range tensors {
			if tensor.Name != tensorName {
				continue
			}
			if tensor.DType != constants.TensorDType {
				return headers.Tensor{}, synerr.Usage("tensor %q is %s, only %s tensors can host a payload",
					tensorName, tensor.DType, constants.TensorDType)
			}
			return tensor, nil
		}
		return headers.Tensor{}, synerr.Usage("no tensor named %q", tensorName)
	}

	var best headers.Tensor
	for _, tensor := range tensors {
		if tensor.DType == constants.TensorDType && (best.Name == "" || tensor.Elements() > best.Elements()) {
			best = tensor
		}
	}
	if best.Name == "" {
		return headers.Tensor{}, synerr.Usage("no %s tensor to host the payload", constants.TensorDType)
	}
	return best, nil
}

// Inspection describes a container without unmasking it.
type Inspection struct {
	Path   string
	Size   int64
	Header headers.Header

	// Supported reports whether this build can unmask the container.
	Supported bool

	// WeightsBLAKE3 is the hex BLAKE3 digest of the raw weight region.
	// Two containers with equal digests carry identical weights.
	WeightsBLAKE3 string
}

// InspectFile reads and validates a container header and fingerprints the
// weight region. No passkey is needed.
func InspectFile(inputFile string) (*Inspection, error) {
	inFile, err := os.Open(inputFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open input file: %w", err)
	}
	defer inFile.Close()

	fileInfo, err := inFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("unable to stat input file: %w", err)
	}

	reader := bufio.NewReaderSize(inFile, bufferSize)
	header, err := headers.ReadHeader(reader, fileInfo.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inputFile, err)
	}

	hasher := blake3.New()
	if _, err := io.CopyN(hasher, reader, int64(header.WeightBytes())); err != nil {
		return nil, fmt.Errorf("error hashing weights: %w", err)
	}

	return &Inspection{
		Path:          inputFile,
		Size:          fileInfo.Size(),
		Header:        header,
		Supported:     supported(header),
		WeightsBLAKE3: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func supported(header headers.Header) bool {
	knownType := header.Type == "" || header.Type == constants.ContainerType
	knownSource := header.Source == "" || header.Source == constants.SourceHost
	return knownType && knownSource
}

// ExpandInputPath takes a path or a wildcard pattern and returns a list of matching files.
func ExpandInputPath(inputPattern string) ([]string, error) {
	if !strings.ContainsAny(inputPattern, "*?[]") {
		_, err := os.Stat(inputPattern)
		if err != nil {
			return nil, fmt.Errorf("input file does not exist: %w", err)
		}
		return []string{inputPattern}, nil
	}

	matches, err := filepath.Glob(inputPattern)
	if err != nil {
		return nil, fmt.Errorf("error during expansion of wildcard pattern: %w", err)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no match found for pattern: %s", inputPattern)
	}

	return matches, nil
}

// writeFileAtomic writes through a temporary file in the destination
// directory and renames it over outputFile once write succeeds.
func writeFileAtomic(outputFile string, write func(io.Writer) error) (err error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(outputFile), "."+filepath.Base(outputFile)+".*.tmp")
	if err != nil {
		return fmt.Errorf("unable to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
		}
	}()

	buffered := bufio.NewWriterSize(tmpFile, bufferSize)
	if err = write(buffered); err != nil {
		return err
	}
	if err = buffered.Flush(); err != nil {
		return fmt.Errorf("error writing output file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		return fmt.Errorf("error closing output file: %w", err)
	}
	if err = os.Rename(tmpFile.Name(), outputFile); err != nil {
		return fmt.Errorf("unable to move output file into place: %w", err)
	}
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
