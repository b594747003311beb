package client

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"security-engine/internal/config"
	"security-engine/internal/secrets"
)

// VaultClient talks to a KV version 2 secrets engine.
type VaultClient struct {
	client *vault.Client
	kv     *vault.KVv2
	mount  string
	logger *zap.Logger
}

func NewVaultClient(cfg *config.Config, logger *zap.Logger) (*VaultClient, error) {
	vaultConfig := cfg.Vault
	if vaultConfig.Address == "" {
		return nil, errors.New("vault address is not configured")
	}

	apiConfig := vault.DefaultConfig()
	apiConfig.Address = vaultConfig.Address
	apiConfig.Timeout = 10 * time.Second
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("failed to build vault config: %w", apiConfig.Error)
	}

	c, err := vault.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if vaultConfig.Token != "" {
		c.SetToken(vaultConfig.Token)
	}

	mount := strings.Trim(vaultConfig.MountPath, "/")
	logger.Info("Vault client initialized",
		zap.String("address", vaultConfig.Address),
		zap.String("mount", mount))

	return &VaultClient{
		client: c,
		kv:     c.KVv2(mount),
		mount:  mount,
		logger: logger,
	}, nil
}

func (v *VaultClient) ReadKV(ctx context.Context, p string) (*secrets.KVEntry, error) {
	s, err := v.kv.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	entry := &secrets.KVEntry{Data: s.Data}
	if s.VersionMetadata != nil {
		entry.Version = s.VersionMetadata.Version
		entry.CreatedAt = s.VersionMetadata.CreatedTime
	}
	return entry, nil
}

func (v *VaultClient) WriteKV(ctx context.Context, p string, data map[string]interface{}) (*secrets.KVEntry, error) {
	s, err := v.kv.Put(ctx, p, data)
	if err != nil {
		return nil, err
	}
	entry := &secrets.KVEntry{Data: data}
	if s.VersionMetadata != nil {
		entry.Version = s.VersionMetadata.Version
		entry.CreatedAt = s.VersionMetadata.CreatedTime
	}
	return entry, nil
}

// DeleteKV removes every version and the metadata of p.
func (v *VaultClient) DeleteKV(ctx context.Context, p string) error {
	return v.kv.DeleteMetadata(ctx, p)
}

func (v *VaultClient) ListKV(ctx context.Context, dir string) ([]string, error) {
	s, err := v.client.Logical().ListWithContext(ctx, path.Join(v.mount, "metadata", dir))
	if err != nil {
		return nil, err
	}
	if s == nil || s.Data == nil {
		return nil, nil
	}
	raw, _ := s.Data["keys"].([]interface{})
	names := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (v *VaultClient) Health(ctx context.Context) error {
	h, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if h.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}
