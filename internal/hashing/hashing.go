package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKeyLength = errors.New("invalid derived key length")
	ErrEmptyMasterKey   = errors.New("master key is empty")
)

// maxDerivedKeyLength is the HKDF-SHA256 output limit (255 * 32).
const maxDerivedKeyLength = 255 * sha256.Size

// Argon2Params are the password KDF costs. They are part of the ciphertext
// format: changing them makes existing password-encrypted blobs unreadable.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// PasswordParams is the fixed argon2id profile used for password encryption.
var PasswordParams = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	KeyLength:   32,
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the lowercase hex SHA-256 digest of data.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// HMAC returns HMAC-SHA256 of data under key.
func HMAC(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// compareKey keys SecureCompare's digests. It never leaves the process.
var compareKey = newCompareKey()

func newCompareKey() []byte {
	key := make([]byte, sha256.Size)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("hashing: read compare key: %v", err))
	}
	return key
}

// SecureCompare reports whether a and b are equal in time independent of
// their contents and of where they first differ. Both inputs are reduced to
// fixed-size HMAC digests first, so unequal lengths are not revealed either.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(HMAC(a, compareKey), HMAC(b, compareKey)) == 1
}

// DeriveKey derives an independent sub-key of the given length from the
// master key, bound to purpose via HKDF-SHA256 info.
func DeriveKey(masterKey []byte, purpose string, length int) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, ErrEmptyMasterKey
	}
	if length <= 0 || length > maxDerivedKeyLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, length)
	}

	r := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	key := make([]byte, length)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// PasswordKey stretches password with salt using argon2id.
func PasswordKey(password []byte, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
}
