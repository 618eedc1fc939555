package headers

import (
	"encoding/json"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

// Tensor is one entry of an arbitrary safetensors header.
type Tensor struct {
	Name  string
	DType string
	Shape []uint64

	// Begin and End are byte offsets into the data region.
	Begin uint64
	End   uint64
}

// Elements is the product of the shape. A scalar has one element.
func (t Tensor) Elements() uint64 {
	n := uint64(1)
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

var dtypeSizes = map[string]uint64{
	"BOOL": 1, "U8": 1, "I8": 1, "F8_E4M3": 1, "F8_E5M2": 1,
	"U16": 2, "I16": 2, "F16": 2, "BF16": 2,
	"U32": 4, "I32": 4, "F32": 4,
	"U64": 8, "I64": 8, "F64": 8,
}

// ReadTensors reads the header of any safetensors file of size bytes,
// such as a model checkpoint, and returns its tensors sorted by name
// together with the file offset of the data region. Every tensor is
// checked to lie inside the file and to match its shape.
func ReadTensors(input io.Reader, size int64) ([]Tensor, int64, error) {
	headerLen, err := readHeaderLength(input, size)
	if err != nil {
		return nil, 0, err
	}
	doc, err := readDocument(input, headerLen)
	if err != nil {
		return nil, 0, err
	}

	dataStart := int64(constants.HeaderLenSize + headerLen)
	dataLen := uint64(size - dataStart)

	tensors := make([]Tensor, 0, len(doc))
	for name, raw := range doc {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, 0, synerr.FormatCause(name, err, "invalid tensor descriptor")
		}
		tensor := Tensor{Name: name, DType: info.DType, Shape: info.Shape}
		if len(info.DataOffsets) != 2 || info.DataOffsets[0] > info.DataOffsets[1] || info.DataOffsets[1] > dataLen {
			return nil, 0, synerr.Format(name+".data_offsets", "offsets %v outside the %d byte data region", info.DataOffsets, dataLen)
		}
		tensor.Begin, tensor.End = info.DataOffsets[0], info.DataOffsets[1]

		width, ok := dtypeSizes[tensor.DType]
		if !ok {
			return nil, 0, synerr.Format(name+".dtype", "unknown dtype %q", tensor.DType)
		}
		need, ok := byteLen(tensor.Shape, width)
		if !ok {
			return nil, 0, synerr.Format(name+".shape", "shape %v is too large", tensor.Shape)
		}
		if need != tensor.End-tensor.Begin {
			return nil, 0, synerr.Format(name+".data_offsets",
				"offsets %v hold %d bytes, shape %v needs %d", info.DataOffsets, tensor.End-tensor.Begin, tensor.Shape, need)
		}
		tensors = append(tensors, tensor)
	}

	slices.SortFunc(tensors, func(a, b Tensor) int { return strings.Compare(a.Name, b.Name) })
	return tensors, dataStart, nil
}

// byteLen multiplies out shape and element width, reporting overflow.
func byteLen(shape []uint64, width uint64) (uint64, bool) {
	n := width
	for _, dim := range shape {
		if dim != 0 && n > math.MaxUint64/dim {
			return 0, false
		}
		n *= dim
	}
	return n, true
}
