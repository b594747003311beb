package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"security-engine/internal/hashing"
)

// EncryptWithPassword seals plaintext under an argon2id key stretched from
// password. Layout: salt(16) || nonce(12) || tag(16) || ciphertext.
func EncryptWithPassword(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	key := hashing.PasswordKey([]byte(password), salt, hashing.PasswordParams)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	blob, err := seal(aead, plaintext)
	if err != nil {
		return nil, err
	}
	return append(salt, blob...), nil
}

// DecryptWithPassword opens a blob from EncryptWithPassword. A wrong
// password is indistinguishable from tampering.
func DecryptWithPassword(blob []byte, password string) ([]byte, error) {
	if len(blob) < SaltSize+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	key := hashing.PasswordKey([]byte(password), blob[:SaltSize], hashing.PasswordParams)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return open(aead, blob[SaltSize:])
}
