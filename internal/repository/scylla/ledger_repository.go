package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-engine/internal/ledger"
)

// LedgerRepository stores ledger entries partitioned by chain. Inserts use a
// lightweight transaction so two writers can never claim the same sequence.
type LedgerRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewLedgerRepository(client *ScyllaClient, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{client: client, logger: logger}
}

var _ ledger.Repository = (*LedgerRepository)(nil)

func (r *LedgerRepository) Insert(ctx context.Context, e *ledger.Entry) error {
	existing := make(map[string]interface{})
	applied, err := r.client.Query(Statements.InsertEntry,
		e.ChainID, int64(e.Sequence), e.Timestamp, []byte(e.Data), e.PreviousHash, e.Hash,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if !applied {
		return ledger.ErrSequenceConflict
	}
	return nil
}

func (r *LedgerRepository) Tail(ctx context.Context, chainID string) (*ledger.Entry, error) {
	var row entryRow
	err := r.client.ScanWithRetry(
		r.client.Query(Statements.SelectTail, chainID).WithContext(ctx),
		row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	return row.entry(), nil
}

func (r *LedgerRepository) Range(ctx context.Context, chainID string, from uint64, limit int) ([]*ledger.Entry, error) {
	stmt := Statements.SelectRange
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	iter := r.client.Query(stmt, chainID, int64(from)).WithContext(ctx).Iter()

	var out []*ledger.Entry
	var row entryRow
	for iter.Scan(row.dest()...) {
		out = append(out, row.entry())
		row = entryRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}
	return out, nil
}

func (r *LedgerRepository) Chains(ctx context.Context) ([]string, error) {
	iter := r.client.Query(Statements.SelectChains).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list ledger chains: %w", err)
	}
	return ids, nil
}

type entryRow struct {
	chainID      string
	sequence     int64
	ts           time.Time
	data         []byte
	previousHash string
	hash         string
}

func (r *entryRow) dest() []interface{} {
	return []interface{}{&r.chainID, &r.sequence, &r.ts, &r.data, &r.previousHash, &r.hash}
}

func (r *entryRow) entry() *ledger.Entry {
	return &ledger.Entry{
		ChainID:      r.chainID,
		Sequence:     uint64(r.sequence),
		Timestamp:    r.ts.UTC(),
		Data:         r.data,
		PreviousHash: r.previousHash,
		Hash:         r.hash,
	}
}
