package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/metrics"
)

// ErrChainBroken is returned when a chain fails verification.
var ErrChainBroken = errors.New("ledger chain integrity violated")

const maxAppendAttempts = 3

type chainState struct {
	mu     sync.Mutex
	loaded bool
	tail   string
	next   uint64
}

// Ledger serializes appends per chain and keeps each chain's tail cached.
// Different chains append concurrently.
type Ledger struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	chains map[string]*chainState
}

type Option func(*Ledger)

// WithClock overrides the timestamp source used by Append.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(repo Repository, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		repo:    repo,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		chains:  make(map[string]*chainState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) state(chainID string) *chainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.chains[chainID]
	if !ok {
		s = &chainState{}
		l.chains[chainID] = s
	}
	return s
}

// load refreshes the cached tail from the repository. Caller holds s.mu.
func (l *Ledger) load(ctx context.Context, chainID string, s *chainState) error {
	tail, err := l.repo.Tail(ctx, chainID)
	if err != nil {
		return fmt.Errorf("load chain tail %s: %w", chainID, err)
	}
	if tail == nil {
		s.tail, s.next = GenesisHash, 0
	} else {
		s.tail, s.next = tail.Hash, tail.Sequence+1
	}
	s.loaded = true
	return nil
}

// Append serializes payload as JSON and appends it with the current time.
func (l *Ledger) Append(ctx context.Context, chainID string, payload interface{}) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize ledger payload: %w", err)
	}
	return l.AppendAt(ctx, chainID, data, l.now())
}

// AppendAt appends data stamped with ts. The cached tail only advances
// once the repository accepted the entry; a conflicting writer forces a
// reload and retry.
func (l *Ledger) AppendAt(ctx context.Context, chainID string, data json.RawMessage, ts time.Time) (*Entry, error) {
	s := l.state(chainID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ts = normalizeTimestamp(ts)
	for attempt := 1; ; attempt++ {
		if !s.loaded {
			if err := l.load(ctx, chainID, s); err != nil {
				return nil, err
			}
		}

		hash, err := ComputeHash(data, ts, s.tail)
		if err != nil {
			return nil, err
		}
		entry := &Entry{
			ChainID:      chainID,
			Sequence:     s.next,
			Timestamp:    ts,
			Data:         data,
			PreviousHash: s.tail,
			Hash:         hash,
		}

		err = l.repo.Insert(ctx, entry)
		if err == nil {
			s.tail, s.next = hash, s.next+1
			l.metrics.LedgerAppend(chainID)
			return entry, nil
		}

		s.loaded = false
		if !errors.Is(err, ErrSequenceConflict) || attempt >= maxAppendAttempts {
			return nil, fmt.Errorf("append to chain %s: %w", chainID, err)
		}
		l.logger.Warn("Ledger append raced another writer, reloading tail",
			zap.String("chain", chainID),
			zap.Uint64("sequence", entry.Sequence),
			zap.Int("attempt", attempt))
	}
}

// Entries returns up to limit entries of chainID from sequence from.
func (l *Ledger) Entries(ctx context.Context, chainID string, from uint64, limit int) ([]*Entry, error) {
	return l.repo.Range(ctx, chainID, from, limit)
}

func (l *Ledger) Chains(ctx context.Context) ([]string, error) {
	return l.repo.Chains(ctx)
}

// Verify checks entries [from, from+limit) of chainID, including the link
// from the entry just before from (or genesis).
func (l *Ledger) Verify(ctx context.Context, chainID string, from uint64, limit int) (VerifyResult, error) {
	entries, err := l.repo.Range(ctx, chainID, from, limit)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read chain %s: %w", chainID, err)
	}

	anchor := GenesisHash
	if from > 0 {
		prev, err := l.repo.Range(ctx, chainID, from-1, 1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("read chain %s: %w", chainID, err)
		}
		if len(prev) == 0 {
			return VerifyResult{}, fmt.Errorf("%w: %s has no entry %d", ErrChainNotFound, chainID, from-1)
		}
		anchor = prev[0].Hash
	}

	res := VerifyFrom(entries, anchor)
	if !res.Valid {
		l.metrics.LedgerVerifyFailure()
		l.logger.Error("Ledger verification failed",
			zap.String("chain", chainID),
			zap.Uint64("sequence", *res.BrokenAtSequence),
			zap.String("reason", res.Reason))
	}
	return res, nil
}
