// Package ledger implements an append-only, hash-chained log. Each entry
// commits to its payload, its timestamp and the hash of the entry before it,
// so any edit, reorder or deletion breaks every later link.
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"security-engine/internal/hashing"
)

// GenesisHash is the previous hash of the first entry in every chain.
var GenesisHash = strings.Repeat("0", 64)

type Entry struct {
	ChainID      string          `json:"chain_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

type hashInput struct {
	Data         json.RawMessage `json:"data"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previousHash"`
}

// normalizeTimestamp drops precision below what the storage backends keep.
func normalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}

// ComputeHash returns hex SHA-256 over the canonical serialization of
// {data, timestamp, previousHash}.
func ComputeHash(data json.RawMessage, ts time.Time, previousHash string) (string, error) {
	buf, err := json.Marshal(hashInput{
		Data:         data,
		Timestamp:    normalizeTimestamp(ts).Format(time.RFC3339Nano),
		PreviousHash: previousHash,
	})
	if err != nil {
		return "", fmt.Errorf("serialize ledger entry: %w", err)
	}
	return hashing.HashHex(buf), nil
}
