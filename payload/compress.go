package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

// Compression identifies the optional codec applied to the raw payload
// before framing. The name is stored in __metadata__.compression; a
// missing key means CompressionNone.
type Compression uint8

const (
	// CompressionNone embeds the payload as given.
	CompressionNone Compression = iota

	// CompressionZstd uses zstd at the default level. Best for text
	// extracted from documents.
	CompressionZstd

	// CompressionLZ4 uses LZ4 block compression. Faster, lower ratio.
	CompressionLZ4
)

// String returns the header name of a compression codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a codec name. The empty string is "none".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, synerr.Usage("unknown compression %q", name)
	}
}

// zstdWindow is the window the encoder writes at SpeedDefault. Decoding
// refuses frames that declare a larger one than needed for the output.
const zstdWindow = 8 << 20

// zstdEncoder is reused across calls and is safe for concurrent use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("payload: zstd encoder initialization failed: " + err.Error())
	}
}

// Compress applies codec c to data. When the codec does not shrink the
// payload, data is returned unchanged with CompressionNone, and the caller
// records whichever codec comes back.
func Compress(data []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, c, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	default:
		return nil, c, synerr.Usage("unsupported compression %d", c)
	}
}

// Decompress reverses Compress. size is the uncompressed length recorded
// in the header and must match exactly.
func Decompress(data []byte, c Compression, size int) ([]byte, error) {
	const field = "__metadata__.uncompressed_bytes"

	switch c {
	case CompressionNone:
		return data, nil

	case CompressionZstd:
		return decompressZstd(data, size)

	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, synerr.FormatCause(field, err, "lz4 decompress")
		}
		if read != size {
			return nil, synerr.Format(field, "lz4 produced %d bytes, expected %d", read, size)
		}
		return out, nil

	default:
		return nil, synerr.Format("__metadata__.compression", "unsupported compression %d", c)
	}
}

// decompressZstd streams the frame into a buffer of exactly size bytes and
// stops at the first byte beyond it, so a frame that inflates past the
// declared size never allocates more than size.
func decompressZstd(data []byte, size int) ([]byte, error) {
	const field = "__metadata__.uncompressed_bytes"

	decoder, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(constants.MaxUncompressedBytes),
		zstd.WithDecoderMaxWindow(uint64(max(size, zstdWindow))))
	if err != nil {
		return nil, synerr.FormatCause(field, err, "zstd decompress")
	}
	defer decoder.Close()

	out := make([]byte, size)
	read, err := io.ReadFull(decoder, out)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, synerr.Format(field, "zstd produced %d bytes, expected %d", read, size)
	case err != nil:
		return nil, synerr.FormatCause(field, err, "zstd decompress")
	}

	var extra [1]byte
	n, err := decoder.Read(extra[:])
	switch {
	case n > 0:
		return nil, synerr.Format(field, "zstd produced more than the expected %d bytes", size)
	case err != nil && !errors.Is(err, io.EOF):
		return nil, synerr.FormatCause(field, err, "zstd decompress")
	}
	return out, nil
}
