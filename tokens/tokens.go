// Package tokens issues and verifies SYN access tokens.
//
// A token hands a freshly generated passkey to whoever is allowed to
// unmask a container, with an expiry. The wire form is
//
//	SYN-<base64url(CBOR claims)>.<base64url(HMAC-SHA256)>
//
// The MAC covers the encoded claims text and is keyed with a key derived
// from the master secret via HKDF-SHA256, so the master secret itself is
// never used directly as a MAC key. Tokens are signed, not encrypted:
// anyone holding a token can read the passkey inside it.
package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/cryptoutils"
)

// hkdfInfo separates the signing key from any other use of the secret.
var hkdfInfo = []byte("synapse.token.hmac.v1")

// Claims is the CBOR payload of a token.
type Claims struct {
	// Payload is the mask name the token grants access to.
	Payload string `cbor:"pld"`

	// Seed is the passkey for the container.
	Seed string `cbor:"seed"`

	// ID fingerprints Seed so tokens can be matched without revealing it.
	ID string `cbor:"id"`

	IssuedAt  int64 `cbor:"iat"`
	ExpiresAt int64 `cbor:"exp"`
}

// Expires returns the expiry as a time.
func (c *Claims) Expires() time.Time { return time.Unix(c.ExpiresAt, 0) }

var (
	ErrNoSecret          = errors.New("tokens: master secret is empty")
	ErrInvalidFormat     = errors.New("tokens: invalid token format")
	ErrMalformed         = errors.New("tokens: malformed token")
	ErrSignatureMismatch = errors.New("tokens: token signature mismatch")
	ErrExpired           = errors.New("tokens: token expired")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tokens: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("tokens: CBOR decoder initialization failed: " + err.Error())
	}
}

// Fingerprint returns the token ID for a passkey: the first 8 bytes of
// its BLAKE3 hash, hex encoded.
func Fingerprint(passkey []byte) string {
	sum := blake3.Sum256(passkey)
	return hex.EncodeToString(sum[:8])
}

// Issue generates a passkey and wraps it in a token for maskName.
func Issue(secret []byte, maskName string, ttl time.Duration) (string, *Claims, error) {
	return IssueAt(secret, maskName, ttl, time.Now())
}

// IssueAt is like Issue with an explicit issue time.
func IssueAt(secret []byte, maskName string, ttl time.Duration, now time.Time) (string, *Claims, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("tokens: ttl must be positive, got %v", ttl)
	}

	passkey, err := cryptoutils.GenerateSecurePasskey(constants.PasskeyLength)
	if err != nil {
		return "", nil, fmt.Errorf("tokens: generating passkey: %w", err)
	}
	defer cryptoutils.ZeroBytes(passkey)

	claims := &Claims{
		Payload:   maskName,
		Seed:      string(passkey),
		ID:        Fingerprint(passkey),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token, err := Sign(secret, claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// Sign encodes and signs claims.
func Sign(secret []byte, claims *Claims) (string, error) {
	key, err := signingKey(secret)
	if err != nil {
		return "", err
	}

	data, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("tokens: encoding claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(data)
	mac := base64.RawURLEncoding.EncodeToString(sum(key, encoded))

	return constants.TokenPrefix + encoded + "." + mac, nil
}

// Verify checks a token's signature and expiry and returns its claims.
func Verify(secret []byte, token string) (*Claims, error) {
	return VerifyAt(secret, token, time.Now())
}

// VerifyAt is like Verify with an explicit verification time.
func VerifyAt(secret []byte, token string, now time.Time) (*Claims, error) {
	key, err := signingKey(secret)
	if err != nil {
		return nil, err
	}

	body, ok := strings.CutPrefix(strings.TrimSpace(token), constants.TokenPrefix)
	if !ok {
		return nil, ErrInvalidFormat
	}
	encoded, signature, ok := strings.Cut(body, ".")
	if !ok || encoded == "" || strings.Contains(signature, ".") {
		return nil, ErrMalformed
	}

	mac, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if !hmac.Equal(mac, sum(key, encoded)) {
		return nil, ErrSignatureMismatch
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}
	var claims Claims
	if err := decMode.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}

	if now.Unix() >= claims.ExpiresAt {
		return nil, fmt.Errorf("%w at %s", ErrExpired, claims.Expires().UTC().Format(time.RFC3339))
	}
	return &claims, nil
}

func signingKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("tokens: deriving signing key: %w", err)
	}
	return key, nil
}

func sum(key []byte, encoded string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}
