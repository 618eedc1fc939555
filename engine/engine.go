package engine

import (
	"bytes"
	"io"

	"github.com/vilshansen/synapse-go/headers"
)

// ForgeResult is a finished in-memory forge.
type ForgeResult struct {
	Filename  string
	Header    headers.Header
	Container *Container
}

// ForgeBytes forges raw into an in-memory container, calling onProgress
// (which may be nil) after every step.
func ForgeBytes(raw []byte, opts ForgeOptions, onProgress func(Progress)) (*ForgeResult, error) {
	container := &Container{}
	op := NewForge(raw, opts, container)
	if err := drive(op, onProgress); err != nil {
		return nil, err
	}
	return &ForgeResult{Filename: op.Filename(), Header: op.Header(), Container: container}, nil
}

// ForgeTo forges raw straight into w. It returns the header written and
// the number of container bytes handed to w.
func ForgeTo(w io.Writer, raw []byte, opts ForgeOptions, onProgress func(Progress)) (headers.Header, int64, error) {
	op := NewForge(raw, opts, WriterParts(w))
	if err := drive(op, onProgress); err != nil {
		return headers.Header{}, op.Written(), err
	}
	return op.Header(), op.Written(), nil
}

// UnmaskBytes recovers the payload from a complete container held in
// memory.
func UnmaskBytes(data []byte, opts UnmaskOptions, onProgress func(Progress)) (*UnmaskResult, error) {
	return UnmaskFrom(bytes.NewReader(data), int64(len(data)), opts, onProgress)
}

// UnmaskFrom recovers the payload from a container of size bytes read
// sequentially from r.
func UnmaskFrom(r io.Reader, size int64, opts UnmaskOptions, onProgress func(Progress)) (*UnmaskResult, error) {
	op := NewUnmask(r, size, opts)
	if err := drive(op, onProgress); err != nil {
		return nil, err
	}
	return op.Result(), nil
}
