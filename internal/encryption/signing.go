package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

var ErrInvalidSeed = errors.New("ed25519 seed must be 32 bytes")

// Signer holds an Ed25519 key pair.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Signer{private: priv, public: pub}, nil
}

// NewSignerFromSeed rebuilds a deterministic key pair, e.g. from
// Manager.DeriveKey("signing", ed25519.SeedSize).
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSeed, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

// Verify reports whether signature is valid for data under publicKey.
// Malformed keys or signatures verify as false.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
