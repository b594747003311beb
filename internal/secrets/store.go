// Package secrets stores versioned secret values either in HashiCorp Vault
// or, outside production, in an encrypted in-process map.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/encryption"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrInvalidKey  = errors.New("invalid secret key")
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Secret is the durable metadata of a secret. The value is never part of it.
type Secret struct {
	Key       string     `json:"key"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// Generator produces a fresh secret value for Rotate.
type Generator func() (string, error)

// TokenGenerator returns a Generator of hex tokens built from n random bytes.
func TokenGenerator(n int) Generator {
	return func() (string, error) {
		return encryption.SecureRandomToken(n)
	}
}

type Store interface {
	// Get returns the current value or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes a new version. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) (Secret, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// Rotate writes a freshly generated value as a new version and returns it.
	Rotate(ctx context.Context, key string, gen Generator) (string, Secret, error)
	Metadata(ctx context.Context, key string) (Secret, error)
	Backend() string
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return nil
}

// NewStore picks the secret backend. Without a remote backend it falls back
// to memory. A configured but unreachable backend is fatal in production
// and falls back to memory otherwise.
func NewStore(ctx context.Context, backend KVBackend, sealer Sealer, production bool, logger *zap.Logger) (Store, error) {
	if backend == nil {
		if production {
			logger.Warn("No secret backend configured in production, secrets will not survive restarts")
		}
		return NewMemoryStore(sealer), nil
	}

	if err := backend.Health(ctx); err != nil {
		if production {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		logger.Warn("Secret backend unreachable, using in-memory store", zap.Error(err))
		return NewMemoryStore(sealer), nil
	}
	return NewVaultStore(backend, logger), nil
}
