// Package payload frames raw payload bytes for embedding. A protected
// payload is the raw bytes followed by a 4-byte little-endian CRC-32 of
// those bytes; it is immutable once built. Recovering the payload checks
// the trailer, and a mismatch is an IntegrityError.
package payload

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

// Checksum is the IEEE CRC-32 of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ProtectedLen is the framed length of a payload of n bytes.
func ProtectedLen(n int) int {
	return n + constants.ChecksumSize
}

// Protect returns raw followed by its CRC-32 trailer. raw is not modified.
func Protect(raw []byte) []byte {
	protected := make([]byte, ProtectedLen(len(raw)))
	copy(protected, raw)
	binary.LittleEndian.PutUint32(protected[len(raw):], Checksum(raw))
	return protected
}

// Open verifies the trailer of a protected payload and returns the raw
// bytes (a subslice of protected). payloadLen is the raw length recorded
// in the container header.
func Open(protected []byte, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || len(protected) != ProtectedLen(payloadLen) {
		return nil, synerr.Format("__metadata__.total_bytes",
			"protected length %d does not match payload length %d", len(protected), payloadLen)
	}

	raw := protected[:payloadLen]
	stored := binary.LittleEndian.Uint32(protected[payloadLen:])
	if Checksum(raw) != stored {
		return nil, synerr.Integrity("checksum mismatch")
	}
	return raw, nil
}
