// Package headers reads and writes the container framing:
//
//	[0, 8)          uint64 little-endian header length H
//	[8, 8+H)        UTF-8 JSON header, space padded so H is a multiple of 8
//	[8+H, +4*N)     N little-endian IEEE-754 float32 weights, slot order
//
// The header is a safetensors header with one F32 tensor and a
// __metadata__ block describing the embedded payload.
package headers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

// Header is the decoded container header.
type Header struct {
	Type              string  // carrier strategy tag, "" on legacy files
	PayloadBytes      uint64  // embedded payload length (after compression)
	TotalBytes        uint64  // PayloadBytes + CRC-32 trailer
	Filename          string  // original filename of the payload
	Density           float64 // density the container was forged with
	Compression       string  // "" or "none" when the payload is stored raw
	UncompressedBytes uint64  // raw length when Compression is set
	Source            string  // "" for synthesized filler, "host" for weights taken from a model tensor
	NumWeights        uint64  // stealth_weights.shape[0]
}

// WeightBytes is the size of the weight region the header declares.
func (h Header) WeightBytes() uint64 {
	return h.NumWeights * constants.BytesPerF32
}

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets []uint64 `json:"data_offsets"`
}

type metadata struct {
	Type              string `json:"type,omitempty"`
	PayloadBytes      string `json:"payload_bytes"`
	TotalBytes        string `json:"total_bytes"`
	Filename          string `json:"filename"`
	Density           string `json:"density"`
	Compression       string `json:"compression,omitempty"`
	UncompressedBytes string `json:"uncompressed_bytes,omitempty"`
	Source            string `json:"source,omitempty"`
}

type document struct {
	Metadata metadata   `json:"__metadata__"`
	Weights  tensorInfo `json:"stealth_weights"`
}

// GetHeaderBytes returns the JSON header padded with ASCII spaces to the
// 8-byte boundary. The length prefix is not included.
func GetHeaderBytes(header Header) ([]byte, error) {
	doc := document{
		Metadata: metadata{
			Type:         header.Type,
			PayloadBytes: strconv.FormatUint(header.PayloadBytes, 10),
			TotalBytes:   strconv.FormatUint(header.TotalBytes, 10),
			Filename:     header.Filename,
			Density:      strconv.FormatFloat(header.Density, 'g', -1, 64),
			Compression:  header.Compression,
			Source:       header.Source,
		},
		Weights: tensorInfo{
			DType:       constants.TensorDType,
			Shape:       []uint64{header.NumWeights},
			DataOffsets: []uint64{0, header.WeightBytes()},
		},
	}
	if header.Compression != "" {
		doc.Metadata.UncompressedBytes = strconv.FormatUint(header.UncompressedBytes, 10)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("error encoding header: %w", err)
	}
	headerData := bytes.TrimRight(buf.Bytes(), "\n")

	padding := (constants.HeaderAlign - len(headerData)%constants.HeaderAlign) % constants.HeaderAlign
	headerData = append(headerData, bytes.Repeat([]byte{' '}, padding)...)
	return headerData, nil
}

// EncodePrefix returns the 8-byte little-endian length prefix for a
// padded header of headerLen bytes.
func EncodePrefix(headerLen int) []byte {
	prefix := make([]byte, constants.HeaderLenSize)
	binary.LittleEndian.PutUint64(prefix, uint64(headerLen))
	return prefix
}

// ReadHeader reads and validates the header of a container of size bytes.
// On success input is positioned at the first weight byte, and the weight
// region is known to fill the rest of the container exactly.
func ReadHeader(input io.Reader, size int64) (Header, error) {
	headerLen, err := readHeaderLength(input, size)
	if err != nil {
		return Header{}, err
	}

	doc, err := readDocument(input, headerLen)
	if err != nil {
		return Header{}, err
	}

	header, err := decodeMetadata(doc)
	if err != nil {
		return Header{}, err
	}

	if err := decodeTensor(doc, &header); err != nil {
		return Header{}, err
	}

	remaining := uint64(size) - constants.HeaderLenSize - headerLen
	if remaining != header.WeightBytes() {
		return Header{}, synerr.Format("stealth_weights.data_offsets",
			"header declares %d weight bytes but the container holds %d", header.WeightBytes(), remaining)
	}

	return header, nil
}

func readHeaderLength(input io.Reader, size int64) (uint64, error) {
	if size < constants.HeaderLenSize {
		return 0, synerr.Format("header length", "container is %d bytes, too short for the length prefix", size)
	}

	var headerLen uint64
	if err := binary.Read(input, binary.LittleEndian, &headerLen); err != nil {
		return 0, synerr.FormatCause("header length", err, "error reading header length")
	}

	if headerLen > uint64(size-constants.HeaderLenSize) {
		return 0, synerr.Format("header length", "header length %d exceeds file size %d", headerLen, size)
	}
	if headerLen > constants.MaxHeaderSize {
		return 0, synerr.Format("header length", "header length %d exceeds the %d byte limit", headerLen, constants.MaxHeaderSize)
	}
	return headerLen, nil
}

func readDocument(input io.Reader, headerLen uint64) (map[string]json.RawMessage, error) {
	headerData := make([]byte, headerLen)
	if _, err := io.ReadFull(input, headerData); err != nil {
		return nil, synerr.FormatCause("header", err, "error reading header")
	}

	// Trailing padding of any whitespace is accepted by the decoder.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(headerData, &doc); err != nil {
		return nil, synerr.FormatCause("header", err, "header is not valid JSON")
	}
	return doc, nil
}

func decodeMetadata(doc map[string]json.RawMessage) (Header, error) {
	var header Header

	rawMeta, ok := doc["__metadata__"]
	if !ok {
		return header, synerr.Format("__metadata__", "missing")
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return header, synerr.FormatCause("__metadata__", err, "not an object")
	}

	var err error
	if header.PayloadBytes, err = decimalField(meta, "payload_bytes", true); err != nil {
		return header, err
	}
	if header.TotalBytes, err = decimalField(meta, "total_bytes", true); err != nil {
		return header, err
	}
	if header.TotalBytes != header.PayloadBytes+constants.ChecksumSize {
		return header, synerr.Format("__metadata__.total_bytes",
			"total_bytes %d is not payload_bytes %d + %d", header.TotalBytes, header.PayloadBytes, constants.ChecksumSize)
	}
	if header.Filename, err = stringField(meta, "filename", true); err != nil {
		return header, err
	}
	if header.Density, err = numberField(meta, "density"); err != nil {
		return header, err
	}
	if header.Type, err = stringField(meta, "type", false); err != nil {
		return header, err
	}
	if header.Compression, err = stringField(meta, "compression", false); err != nil {
		return header, err
	}
	if header.UncompressedBytes, err = decimalField(meta, "uncompressed_bytes", false); err != nil {
		return header, err
	}
	if header.Source, err = stringField(meta, "source", false); err != nil {
		return header, err
	}
	return header, nil
}

func decodeTensor(doc map[string]json.RawMessage, header *Header) error {
	rawTensor, ok := doc[constants.TensorName]
	if !ok {
		return synerr.Format(constants.TensorName, "missing")
	}
	var tensor tensorInfo
	if err := json.Unmarshal(rawTensor, &tensor); err != nil {
		return synerr.FormatCause(constants.TensorName, err, "invalid tensor descriptor")
	}

	if tensor.DType != constants.TensorDType {
		return synerr.Format(constants.TensorName+".dtype", "unsupported dtype %q, expected %q", tensor.DType, constants.TensorDType)
	}
	if len(tensor.Shape) != 1 {
		return synerr.Format(constants.TensorName+".shape", "expected a 1-dimensional shape, got %v", tensor.Shape)
	}
	header.NumWeights = tensor.Shape[0]
	if header.NumWeights > (1<<62)/constants.BytesPerF32 {
		return synerr.Format(constants.TensorName+".shape", "shape %d is too large", header.NumWeights)
	}
	if len(tensor.DataOffsets) != 2 || tensor.DataOffsets[0] != 0 || tensor.DataOffsets[1] != header.WeightBytes() {
		return synerr.Format(constants.TensorName+".data_offsets",
			"offsets %v do not match shape %d", tensor.DataOffsets, header.NumWeights)
	}
	return nil
}

func fieldName(key string) string {
	return "__metadata__." + key
}

func stringField(meta map[string]json.RawMessage, key string, required bool) (string, error) {
	raw, ok := meta[key]
	if !ok {
		if required {
			return "", synerr.Format(fieldName(key), "missing")
		}
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", synerr.FormatCause(fieldName(key), err, "not a string")
	}
	return value, nil
}

// decimalField accepts a decimal string or a bare JSON integer; older
// writers emitted numbers.
func decimalField(meta map[string]json.RawMessage, key string, required bool) (uint64, error) {
	raw, ok := meta[key]
	if !ok {
		if required {
			return 0, synerr.Format(fieldName(key), "missing")
		}
		return 0, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, synerr.FormatCause(fieldName(key), err, "not a decimal integer")
	}
	return value, nil
}

// numberField accepts a JSON number or a numeric string.
func numberField(meta map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := meta[key]
	if !ok {
		return 0, synerr.Format(fieldName(key), "missing")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, synerr.FormatCause(fieldName(key), err, "not a number")
	}
	return value, nil
}
