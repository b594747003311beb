package secrets

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sealer encrypts values at rest.
type Sealer interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

type version struct {
	sealed    []byte
	createdAt time.Time
	ttl       time.Duration
	expiresAt *time.Time
}

type memoryEntry struct {
	versions  []version
	rotatedAt *time.Time
}

func (e *memoryEntry) current() *version {
	return &e.versions[len(e.versions)-1]
}

// MemoryStore keeps every version of every secret sealed in process memory.
// Expired secrets are removed when accessed.
type MemoryStore struct {
	sealer Sealer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(sealer Sealer, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sealer:  sealer,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Backend() string { return "memory" }

// live returns the entry for key, dropping it if its current version has
// expired. Caller holds s.mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if exp := e.current().expiresAt; exp != nil && !s.now().Before(*exp) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	e := s.live(key)
	if e == nil {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	sealed := e.current().sealed
	s.mu.Unlock()

	plain, err := s.sealer.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) (Secret, error) {
	if err := validateKey(key); err != nil {
		return Secret{}, err
	}
	sealed, err := s.sealer.Encrypt([]byte(value))
	if err != nil {
		return Secret{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersion(key, sealed, ttl, false), nil
}

// appendVersion adds a version and returns the resulting metadata. Caller
// holds s.mu.
func (s *MemoryStore) appendVersion(key string, sealed []byte, ttl time.Duration, rotated bool) Secret {
	now := s.now()
	v := version{sealed: sealed, createdAt: now, ttl: ttl}
	if ttl > 0 {
		exp := now.Add(ttl)
		v.expiresAt = &exp
	}

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.versions = append(e.versions, v)
	if rotated {
		e.rotatedAt = &now
	}
	return s.metadata(key, e)
}

func (s *MemoryStore) metadata(key string, e *memoryEntry) Secret {
	cur := e.current()
	return Secret{
		Key:       key,
		Version:   len(e.versions),
		CreatedAt: cur.createdAt,
		ExpiresAt: cur.expiresAt,
		RotatedAt: e.rotatedAt,
	}
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key) == nil {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) && s.live(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Rotate keeps the TTL of the version it replaces.
func (s *MemoryStore) Rotate(_ context.Context, key string, gen Generator) (string, Secret, error) {
	if err := validateKey(key); err != nil {
		return "", Secret{}, err
	}
	value, err := gen()
	if err != nil {
		return "", Secret{}, err
	}
	sealed, err := s.sealer.Encrypt([]byte(value))
	if err != nil {
		return "", Secret{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var ttl time.Duration
	if e := s.live(key); e != nil {
		ttl = e.current().ttl
	}
	return value, s.appendVersion(key, sealed, ttl, true), nil
}

func (s *MemoryStore) Metadata(_ context.Context, key string) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return Secret{}, ErrNotFound
	}
	return s.metadata(key, e), nil
}
