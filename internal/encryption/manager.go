package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"security-engine/internal/hashing"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes")
)

// Blob layout: nonce(12) || tag(16) || ciphertext.
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	SaltSize  = 16
)

// Manager seals data under a 256-bit master key with AES-256-GCM and hands
// out purpose-bound sub-key managers.
type Manager struct {
	key  []byte
	aead cipher.AEAD

	mu      sync.RWMutex
	derived map[string]*Manager
}

func NewManager(masterKey []byte) (*Manager, error) {
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Manager{
		key:     key,
		aead:    aead,
		derived: make(map[string]*Manager),
	}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	return seal(m.aead, plaintext)
}

// Decrypt opens a blob produced by Encrypt. Any modification of the blob,
// or a different key, yields ErrDecryptionFailed.
func (m *Manager) Decrypt(blob []byte) ([]byte, error) {
	return open(m.aead, blob)
}

func (m *Manager) EncryptString(plaintext string) (string, error) {
	blob, err := m.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (m *Manager) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptionFailed)
	}
	plaintext, err := m.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DeriveKey returns a purpose-bound sub-key of the master key.
func (m *Manager) DeriveKey(purpose string, length int) ([]byte, error) {
	return hashing.DeriveKey(m.key, purpose, length)
}

// ForPurpose returns a Manager keyed by the sub-key for purpose. Blobs from
// one purpose cannot be opened by another.
func (m *Manager) ForPurpose(purpose string) (*Manager, error) {
	m.mu.RLock()
	sub, ok := m.derived[purpose]
	m.mu.RUnlock()
	if ok {
		return sub, nil
	}

	key, err := m.DeriveKey(purpose, KeySize)
	if err != nil {
		return nil, err
	}
	sub, err = NewManager(key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.derived[purpose]; ok {
		return existing, nil
	}
	m.derived[purpose] = sub
	return sub, nil
}

// Sign returns HMAC-SHA256 of data under the purpose sub-key.
func (m *Manager) Sign(purpose string, data []byte) ([]byte, error) {
	key, err := m.DeriveKey(purpose, KeySize)
	if err != nil {
		return nil, err
	}
	return hashing.HMAC(data, key), nil
}

// ClearCache drops derived sub-key managers.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.derived = make(map[string]*Manager)
	m.mu.Unlock()
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	// GCM appends the tag; move it in front of the ciphertext.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - TagSize

	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return out, nil
}

func open(aead cipher.AEAD, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce := blob[:NonceSize]
	tag := blob[NonceSize : NonceSize+TagSize]
	ct := blob[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}
