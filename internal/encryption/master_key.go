package encryption

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"security-engine/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var ErrMissingMasterKey = errors.New("master encryption key not configured")

// KeySource records where the master key came from.
type KeySource string

const (
	KeySourceKMS       KeySource = "kms"
	KeySourceEnv       KeySource = "env"
	KeySourceEphemeral KeySource = "ephemeral"
)

// KMSDecrypter is the subset of *kms.Client used to unwrap the master key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type MasterKeyOptions struct {
	// Encoded is a base64 or hex 32-byte key.
	Encoded string
	// Wrapped is a base64 KMS ciphertext blob of the key.
	Wrapped string
	KMS     KMSDecrypter
	KeyID   string
	// AllowEphemeral permits a random per-process key when nothing is
	// configured. Never set in production.
	AllowEphemeral bool
}

// LoadMasterKey resolves the master key: KMS-wrapped first, then the
// encoded value, then (outside production) an ephemeral random key.
func LoadMasterKey(ctx context.Context, opts MasterKeyOptions) ([]byte, KeySource, error) {
	if opts.Wrapped != "" {
		if opts.KMS == nil {
			return nil, "", fmt.Errorf("%w: wrapped key present but KMS is not enabled", ErrMissingMasterKey)
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(opts.Wrapped))
		if err != nil {
			return nil, "", fmt.Errorf("%w: wrapped key is not base64", ErrInvalidKey)
		}
		input := &kms.DecryptInput{CiphertextBlob: blob}
		if opts.KeyID != "" {
			input.KeyId = aws.String(opts.KeyID)
		}
		out, err := opts.KMS.Decrypt(ctx, input)
		if err != nil {
			return nil, "", fmt.Errorf("kms decrypt master key: %w", err)
		}
		if len(out.Plaintext) != KeySize {
			return nil, "", fmt.Errorf("%w: kms returned %d bytes", ErrInvalidKey, len(out.Plaintext))
		}
		return out.Plaintext, KeySourceKMS, nil
	}

	if opts.Encoded != "" {
		key, err := decodeKey(opts.Encoded)
		if err != nil {
			return nil, "", err
		}
		return key, KeySourceEnv, nil
	}

	if !opts.AllowEphemeral {
		return nil, "", ErrMissingMasterKey
	}
	key, err := RandomBytes(KeySize)
	if err != nil {
		return nil, "", err
	}
	util.Warn("Using ephemeral master key; encrypted data will not survive restart")
	return key, KeySourceEphemeral, nil
}

func decodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: expected base64 or hex", ErrInvalidKey)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	return key, nil
}
