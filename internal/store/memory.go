package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sweepInterval bounds how long expired keys of idle actors stay resident.
const sweepInterval = time.Minute

type windowMember struct {
	member string
	at     time.Time
}

type memoryItem struct {
	counter   int64
	value     string
	window    []windowMember
	hash      map[string]string
	expiresAt time.Time
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryStore is a CounterStore backed by a single mutex-guarded map.
// It only coordinates within one process.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[string]*memoryItem
	now       func() time.Time
	nextSweep time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now, for tests that need to step past windows.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the unexpired item for key, evicting it if stale. Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) *memoryItem {
	item, ok := s.items[key]
	if !ok {
		return nil
	}
	if item.expired(now) {
		delete(s.items, key)
		return nil
	}
	return item
}

// sweep drops every expired item. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	for k, item := range s.items {
		if item.expired(now) {
			delete(s.items, k)
		}
	}
	s.nextSweep = now.Add(sweepInterval)
}

func (s *MemoryStore) maybeSweep(now time.Time) {
	if !now.Before(s.nextSweep) {
		s.sweep(now)
	}
}

func (s *MemoryStore) getOrCreate(key string, now time.Time) (*memoryItem, bool) {
	s.maybeSweep(now)
	if item := s.live(key, now); item != nil {
		return item, false
	}
	item := &memoryItem{}
	s.items[key] = item
	return item, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *MemoryStore) IncrWithExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, created := s.getOrCreate(key, now)
	item.counter++
	if created {
		item.expiresAt = expiry(now, ttl)
	}
	return item.counter, nil
}

func (s *MemoryStore) WindowAdd(_ context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, _ := s.getOrCreate(key, now)
	item.window = append(item.window, windowMember{member: member, at: at})

	cutoff := at.Add(-window)
	kept := item.window[:0]
	for _, m := range item.window {
		if !m.at.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	item.window = kept
	item.expiresAt = expiry(now, window)
	return int64(len(item.window)), nil
}

func (s *MemoryStore) HashIncr(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, _ := s.getOrCreate(key, now)
	if item.hash == nil {
		item.hash = make(map[string]string)
	}
	current, _ := strconv.ParseInt(item.hash[field], 10, 64)
	current += delta
	item.hash[field] = strconv.FormatInt(current, 10)
	if ttl > 0 {
		item.expiresAt = expiry(now, ttl)
	}
	return current, nil
}

func (s *MemoryStore) HashSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, _ := s.getOrCreate(key, now)
	if item.hash == nil {
		item.hash = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		item.hash[k] = v
	}
	if ttl > 0 {
		item.expiresAt = expiry(now, ttl)
	}
	return nil
}

func (s *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	if item := s.live(key, s.now()); item != nil {
		for k, v := range item.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeSweep(now)
	s.items[key] = &memoryItem{value: value, expiresAt: expiry(now, ttl)}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key, s.now()) != nil, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item := s.live(key, now)
	if item == nil || item.expiresAt.IsZero() {
		return 0, nil
	}
	return item.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
