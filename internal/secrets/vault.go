package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KVEntry is one read from a versioned key/value backend.
type KVEntry struct {
	Data      map[string]interface{}
	Version   int
	CreatedAt time.Time
}

// KVBackend is a path-based versioned key/value service.
type KVBackend interface {
	ReadKV(ctx context.Context, path string) (*KVEntry, error)
	WriteKV(ctx context.Context, path string, data map[string]interface{}) (*KVEntry, error)
	DeleteKV(ctx context.Context, path string) error
	// ListKV returns the names directly under dir. Sub-directories end in "/".
	ListKV(ctx context.Context, dir string) ([]string, error)
	Health(ctx context.Context) error
}

const (
	fieldValue     = "value"
	fieldExpiresAt = "expires_at"
	fieldRotatedAt = "rotated_at"
)

// VaultStore maps the Store contract onto a remote KV backend. The backend
// keeps the version history; expiry is stored next to the value.
type VaultStore struct {
	kv     KVBackend
	logger *zap.Logger
	now    func() time.Time
}

func NewVaultStore(kv KVBackend, logger *zap.Logger) *VaultStore {
	return &VaultStore{kv: kv, logger: logger, now: time.Now}
}

func (v *VaultStore) Backend() string { return "vault" }

func parseTime(data map[string]interface{}, field string) *time.Time {
	s, ok := data[field].(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// read returns the live entry for key. Backend errors surface as ErrNotFound.
func (v *VaultStore) read(ctx context.Context, key string) (*KVEntry, error) {
	entry, err := v.kv.ReadKV(ctx, key)
	if err != nil {
		v.logger.Warn("Secret read failed", zap.String("key", key), zap.Error(err))
		return nil, ErrNotFound
	}
	if entry == nil || entry.Data == nil {
		return nil, ErrNotFound
	}
	if exp := parseTime(entry.Data, fieldExpiresAt); exp != nil && !v.now().Before(*exp) {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (v *VaultStore) Get(ctx context.Context, key string) (string, error) {
	entry, err := v.read(ctx, key)
	if err != nil {
		return "", err
	}
	value, ok := entry.Data[fieldValue].(string)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (v *VaultStore) write(ctx context.Context, key, value string, ttl time.Duration, rotated bool) (Secret, error) {
	if err := validateKey(key); err != nil {
		return Secret{}, err
	}
	now := v.now().UTC()
	data := map[string]interface{}{fieldValue: value}
	if ttl > 0 {
		data[fieldExpiresAt] = now.Add(ttl).Format(time.RFC3339Nano)
	}
	if rotated {
		data[fieldRotatedAt] = now.Format(time.RFC3339Nano)
	}

	entry, err := v.kv.WriteKV(ctx, key, data)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: write %s: %v", ErrUnavailable, key, err)
	}
	return toSecret(key, entry, data), nil
}

func toSecret(key string, entry *KVEntry, data map[string]interface{}) Secret {
	return Secret{
		Key:       key,
		Version:   entry.Version,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: parseTime(data, fieldExpiresAt),
		RotatedAt: parseTime(data, fieldRotatedAt),
	}
}

func (v *VaultStore) Set(ctx context.Context, key, value string, ttl time.Duration) (Secret, error) {
	return v.write(ctx, key, value, ttl, false)
}

func (v *VaultStore) Delete(ctx context.Context, key string) error {
	if err := v.kv.DeleteKV(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// List walks the directory containing prefix and returns full keys.
func (v *VaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}
	var keys []string
	if err := v.walk(ctx, dir, prefix, &keys); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *VaultStore) walk(ctx context.Context, dir, prefix string, keys *[]string) error {
	names, err := v.kv.ListKV(ctx, dir)
	if err != nil {
		return fmt.Errorf("%w: list %q: %v", ErrUnavailable, dir, err)
	}
	for _, name := range names {
		full := dir + name
		if strings.HasSuffix(name, "/") {
			if strings.HasPrefix(full, prefix) || strings.HasPrefix(prefix, full) {
				if err := v.walk(ctx, full, prefix, keys); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(full, prefix) {
			*keys = append(*keys, full)
		}
	}
	return nil
}

func (v *VaultStore) Rotate(ctx context.Context, key string, gen Generator) (string, Secret, error) {
	value, err := gen()
	if err != nil {
		return "", Secret{}, err
	}

	var ttl time.Duration
	if entry, err := v.read(ctx, key); err == nil {
		if exp := parseTime(entry.Data, fieldExpiresAt); exp != nil {
			ttl = exp.Sub(entry.CreatedAt)
		}
	}

	meta, err := v.write(ctx, key, value, ttl, true)
	if err != nil {
		return "", Secret{}, err
	}
	return value, meta, nil
}

func (v *VaultStore) Metadata(ctx context.Context, key string) (Secret, error) {
	entry, err := v.read(ctx, key)
	if err != nil {
		return Secret{}, err
	}
	return toSecret(key, entry, entry.Data), nil
}
