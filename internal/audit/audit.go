// Package audit records administrative and security actions on the
// hash-chained ledger and answers queries over that history.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-engine/internal/ledger"
)

var (
	ErrInvalidEntry = errors.New("invalid audit entry")
	ErrNotFound     = errors.New("audit log not found")
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	DefaultPageSize = 50
	MaxPageSize     = 1000
)

type RequestMetadata struct {
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Entry is the input for Record. Before and After are serialized as JSON
// snapshots of the resource.
type Entry struct {
	Actor        string
	SessionID    string
	Action       string
	ResourceType string
	ResourceID   string
	Request      RequestMetadata
	Before       interface{}
	After        interface{}
	Outcome      string
}

// Log is a stored audit entry together with its chain position.
type Log struct {
	ID           string          `json:"id"`
	ChainID      string          `json:"chain_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	SessionID    string          `json:"session_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Request      RequestMetadata `json:"request"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Outcome      string          `json:"outcome"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
}

// payload is the part of a Log committed to by the chain hash.
type payload struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	SessionID    string          `json:"session_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Request      RequestMetadata `json:"request"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Outcome      string          `json:"outcome"`
}

// SearchIndex mirrors logs into a full-text store. The ledger stays the
// source of truth; index failures never fail Record.
type SearchIndex interface {
	IndexLog(ctx context.Context, l *Log) error
	Search(ctx context.Context, query string, limit int) ([]*Log, error)
}

type Service struct {
	ledger *ledger.Ledger
	router *ledger.ShardRouter
	index  SearchIndex
	logger *zap.Logger
}

func NewService(l *ledger.Ledger, router *ledger.ShardRouter, index SearchIndex, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: l, router: router, index: index, logger: logger}
}

func (e *Entry) validate() error {
	switch {
	case e.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	case e.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidEntry)
	case e.ResourceType == "":
		return fmt.Errorf("%w: resource type is required", ErrInvalidEntry)
	case e.Outcome != "" && e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure:
		return fmt.Errorf("%w: outcome must be success or failure", ErrInvalidEntry)
	}
	return nil
}

func snapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrInvalidEntry, err)
	}
	return b, nil
}

// Record appends e to the actor's chain and returns the stored log.
func (s *Service) Record(ctx context.Context, e Entry) (*Log, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	before, err := snapshot(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := snapshot(e.After)
	if err != nil {
		return nil, err
	}

	p := payload{
		ID:           uuid.NewString(),
		Actor:        e.Actor,
		SessionID:    e.SessionID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Request:      e.Request,
		Before:       before,
		After:        after,
		Outcome:      e.Outcome,
	}

	entry, err := s.ledger.Append(ctx, s.router.ChainFor(e.Actor), p)
	if err != nil {
		return nil, fmt.Errorf("record audit log: %w", err)
	}
	log := fromEntry(entry, p)

	if s.index != nil {
		if err := s.index.IndexLog(ctx, log); err != nil {
			s.logger.Warn("Failed to index audit log",
				zap.String("id", log.ID),
				zap.Error(err))
		}
	}
	return log, nil
}

func fromEntry(e *ledger.Entry, p payload) *Log {
	return &Log{
		ID:           p.ID,
		ChainID:      e.ChainID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Actor:        p.Actor,
		SessionID:    p.SessionID,
		Action:       p.Action,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Request:      p.Request,
		Before:       p.Before,
		After:        p.After,
		Outcome:      p.Outcome,
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
	}
}

func decode(e *ledger.Entry) (*Log, error) {
	var p payload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("decode audit entry %s/%d: %w", e.ChainID, e.Sequence, err)
	}
	return fromEntry(e, p), nil
}

type Filter struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

func (f Filter) matches(l *Log) bool {
	switch {
	case f.Actor != "" && l.Actor != f.Actor:
		return false
	case f.Action != "" && l.Action != f.Action:
		return false
	case f.ResourceType != "" && l.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && l.ResourceID != f.ResourceID:
		return false
	case !f.From.IsZero() && l.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && l.Timestamp.After(f.To):
		return false
	}
	return true
}

type Page struct {
	Items  []*Log `json:"items"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Query returns matching logs newest first.
func (s *Service) Query(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	all, err := s.collect(ctx, f)
	if err != nil {
		return nil, err
	}

	page := &Page{Total: len(all), Limit: f.Limit, Offset: f.Offset, Items: []*Log{}}
	if f.Offset < len(all) {
		end := f.Offset + f.Limit
		if end > len(all) {
			end = len(all)
		}
		page.Items = all[f.Offset:end]
	}
	return page, nil
}

func (s *Service) collect(ctx context.Context, f Filter) ([]*Log, error) {
	chains := s.router.Chains()
	if f.Actor != "" {
		chains = []string{s.router.ChainFor(f.Actor)}
	}

	var out []*Log
	for _, chain := range chains {
		entries, err := s.ledger.Entries(ctx, chain, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("read audit chain %s: %w", chain, err)
		}
		for _, e := range entries {
			l, err := decode(e)
			if err != nil {
				return nil, err
			}
			if f.matches(l) {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Sequence > out[j].Sequence
	})
	return out, nil
}

// Get finds a log by id.
func (s *Service) Get(ctx context.Context, id string) (*Log, error) {
	all, err := s.collect(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	for _, l := range all {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, ErrNotFound
}

// Verify checks one chain over [from, from+limit).
func (s *Service) Verify(ctx context.Context, chainID string, from uint64, limit int) (ledger.VerifyResult, error) {
	return s.ledger.Verify(ctx, chainID, from, limit)
}

// VerifyAll checks every chain the router writes to.
func (s *Service) VerifyAll(ctx context.Context) (map[string]ledger.VerifyResult, error) {
	out := make(map[string]ledger.VerifyResult)
	for _, chain := range s.router.Chains() {
		res, err := s.ledger.Verify(ctx, chain, 0, 0)
		if err != nil {
			return nil, err
		}
		out[chain] = res
	}
	return out, nil
}

// Chains lists the chains audit entries are written to.
func (s *Service) Chains() []string {
	return s.router.Chains()
}

// Search delegates to the search index when one is configured.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*Log, error) {
	if s.index == nil {
		all, err := s.collect(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		matched := filterText(all, query)
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		return matched, nil
	}
	return s.index.Search(ctx, query, limit)
}
