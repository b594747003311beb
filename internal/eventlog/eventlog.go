// Package eventlog keeps recently ingested security events so periodic
// batch anomaly runs can read the last window.
package eventlog

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"security-engine/internal/models"
)

type Store interface {
	Record(ctx context.Context, e *models.SecurityEvent) error
	// Since returns events with Timestamp >= since, oldest first.
	Since(ctx context.Context, since time.Time) ([]*models.SecurityEvent, error)
	Close() error
}

// MemoryStore retains the most recent events in a fixed-size ring.
type MemoryStore struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
}

func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryStore{r: ring.New(size), size: size}
}

func (m *MemoryStore) Record(_ context.Context, e *models.SecurityEvent) error {
	c := *e
	m.mu.Lock()
	m.r.Value = &c
	m.r = m.r.Next()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Since(_ context.Context, since time.Time) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.SecurityEvent
	// m.r points at the oldest slot.
	m.r.Do(func(v interface{}) {
		e, ok := v.(*models.SecurityEvent)
		if !ok || e.Timestamp.Before(since) {
			return
		}
		c := *e
		out = append(out, &c)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
