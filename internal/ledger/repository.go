package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrSequenceConflict means another writer already stored that position.
	ErrSequenceConflict = errors.New("ledger sequence already written")
	ErrChainNotFound    = errors.New("ledger chain not found")
)

// Repository persists entries. Insert must be conditional on the
// (chain, sequence) slot being empty.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	// Tail returns the last entry of chainID, or nil for an empty chain.
	Tail(ctx context.Context, chainID string) (*Entry, error)
	// Range returns up to limit entries starting at sequence from, in
	// order. limit <= 0 means no limit.
	Range(ctx context.Context, chainID string, from uint64, limit int) ([]*Entry, error)
	Chains(ctx context.Context) ([]string, error)
}

// MemoryRepository keeps chains in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{chains: make(map[string][]*Entry)}
}

func clone(e *Entry) *Entry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	return &c
}

func (r *MemoryRepository) Insert(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.chains[e.ChainID]
	if e.Sequence != uint64(len(chain)) {
		return ErrSequenceConflict
	}
	r.chains[e.ChainID] = append(chain, clone(e))
	return nil
}

func (r *MemoryRepository) Tail(_ context.Context, chainID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[chainID]
	if len(chain) == 0 {
		return nil, nil
	}
	return clone(chain[len(chain)-1]), nil
}

func (r *MemoryRepository) Range(_ context.Context, chainID string, from uint64, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[chainID]
	if from >= uint64(len(chain)) {
		return nil, nil
	}
	end := len(chain)
	if limit > 0 && int(from)+limit < end {
		end = int(from) + limit
	}
	out := make([]*Entry, 0, end-int(from))
	for _, e := range chain[from:end] {
		out = append(out, clone(e))
	}
	return out, nil
}

func (r *MemoryRepository) Chains(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
