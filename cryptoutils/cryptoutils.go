// Package cryptoutils provides the passkey side of the engine: seed
// derivation, passkey generation and strength checks, and memory wiping.
package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

// DeriveSeed returns the 32-bit generator seed for a passkey: the first
// four bytes of its SHA-256 digest, read little-endian. The empty passkey
// is allowed and yields a valid, weak seed.
func DeriveSeed(passkey []byte) uint32 {
	digest := sha256.Sum256(passkey)
	seed := binary.LittleEndian.Uint32(digest[:4])
	ZeroBytes(digest[:])
	return seed
}

// GenerateSecurePasskey generates a cryptographically secure, random
// passkey of the specified length from the predefined character pool.
func GenerateSecurePasskey(length int) ([]byte, error) {
	if length <= 0 {
		return nil, synerr.Usage("passkey length must be positive, got %d", length)
	}

	poolLen := big.NewInt(int64(len(constants.CharacterPool)))
	randomChars := make([]byte, length)

	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, poolLen)
		if err != nil {
			ZeroBytes(randomChars)
			return nil, fmt.Errorf("error generating secure, random index: %w", err)
		}
		randomChars[i] = constants.CharacterPool[idx.Int64()]
	}

	return randomChars, nil
}

// CheckPasskeyStrength rejects passkeys shorter than minLength bytes.
// The engine itself accepts any passkey; this is policy for front ends.
func CheckPasskeyStrength(passkey []byte, minLength int) error {
	if len(passkey) < minLength {
		return synerr.Usage("passkey too weak: %d characters, need at least %d", len(passkey), minLength)
	}
	return nil
}

// ZeroBytes overwrites the given byte slice with zeros.
// This is used to wipe passkeys and digests from memory.
func ZeroBytes(b []byte) {
	clear(b)
}
