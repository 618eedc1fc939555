package engine

import (
	"bytes"
	"fmt"
	"io"
)

// PartWriter receives the container as an ordered sequence of parts: the
// length prefix, the padded header, then one part per weight chunk.
// Ownership of each part passes to the writer; the engine never touches a
// part again after handing it over.
type PartWriter interface {
	WritePart(part []byte) error
}

// Container is an in-memory PartWriter. It keeps the parts as produced so
// a large container is never copied into one contiguous buffer unless
// Bytes is called.
type Container struct {
	parts [][]byte
	size  int64
}

// WritePart implements PartWriter.
func (c *Container) WritePart(part []byte) error {
	c.parts = append(c.parts, part)
	c.size += int64(len(part))
	return nil
}

// Parts returns the container parts in order. The slices are shared with
// the container.
func (c *Container) Parts() [][]byte { return c.parts }

// Size is the total container length in bytes.
func (c *Container) Size() int64 { return c.size }

// Reader returns a reader over the container without concatenating it.
func (c *Container) Reader() io.Reader {
	readers := make([]io.Reader, len(c.parts))
	for i, part := range c.parts {
		readers[i] = bytes.NewReader(part)
	}
	return io.MultiReader(readers...)
}

// WriteTo writes every part to w in order.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i, part := range c.parts {
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("error writing container part %d: %w", i, err)
		}
	}
	return total, nil
}

// Bytes concatenates the parts into one slice.
func (c *Container) Bytes() []byte {
	out := make([]byte, 0, c.size)
	for _, part := range c.parts {
		out = append(out, part...)
	}
	return out
}

type writerParts struct {
	w io.Writer
}

// WriterParts adapts an io.Writer, typically a buffered file, into a
// PartWriter so forge output streams straight to its destination.
func WriterParts(w io.Writer) PartWriter {
	return writerParts{w: w}
}

func (p writerParts) WritePart(part []byte) error {
	if _, err := p.w.Write(part); err != nil {
		return fmt.Errorf("error writing container: %w", err)
	}
	return nil
}
