package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"security-engine/internal/models"
)

const (
	createEventsTable = `
		CREATE TABLE IF NOT EXISTS security_events (
			id String,
			timestamp DateTime64(3, 'UTC'),
			event_type LowCardinality(String),
			user_id String,
			ip_address String,
			country LowCardinality(String),
			resource String,
			action String,
			outcome LowCardinality(String),
			metadata Map(String, String),
			risk_score Nullable(Float64)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (event_type, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 30 DAY`

	insertEvents = `INSERT INTO security_events
		(id, timestamp, event_type, user_id, ip_address, country, resource, action, outcome, metadata, risk_score)`

	selectSince = `SELECT id, timestamp, event_type, user_id, ip_address, country, resource, action, outcome, metadata, risk_score
		FROM security_events WHERE timestamp >= ? ORDER BY timestamp`

	defaultFlushSize     = 500
	defaultMaxPending    = 50000
	defaultFlushInterval = 5 * time.Second
	maxRetryInterval     = time.Minute
	flushTimeout         = 10 * time.Second
)

// Conn is the subset of the ClickHouse client the store needs.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error)
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// EventStore buffers security events and writes them in batches from a
// background loop, so recording never waits on ClickHouse. While ClickHouse
// is down the buffer holds at most maxPending rows and the oldest are dropped.
type EventStore struct {
	conn          Conn
	logger        *zap.Logger
	flushSize     int
	maxPending    int
	flushInterval time.Duration

	mu      sync.Mutex
	pending [][]interface{}
	dropped atomic.Uint64

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type Option func(*EventStore)

// WithFlushSize sets how many buffered rows wake the flush loop early.
func WithFlushSize(n int) Option {
	return func(s *EventStore) {
		if n > 0 {
			s.flushSize = n
		}
	}
}

// WithMaxPending caps the buffer kept across failed flushes.
func WithMaxPending(n int) Option {
	return func(s *EventStore) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithFlushInterval sets the periodic flush and the first retry delay.
func WithFlushInterval(d time.Duration) Option {
	return func(s *EventStore) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func NewEventStore(ctx context.Context, conn Conn, logger *zap.Logger, opts ...Option) (*EventStore, error) {
	if err := conn.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("create security_events table: %w", err)
	}
	s := &EventStore{
		conn:          conn,
		logger:        logger,
		flushSize:     defaultFlushSize,
		maxPending:    defaultMaxPending,
		flushInterval: defaultFlushInterval,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s, nil
}

func row(e *models.SecurityEvent) []interface{} {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return []interface{}{
		e.ID, e.Timestamp.UTC(), e.EventType, e.UserID, e.IPAddress, e.Country,
		e.Resource, e.Action, string(e.Outcome), metadata, e.RiskScore,
	}
}

// Record buffers e and wakes the flush loop once a batch is ready. It does
// no I/O.
func (s *EventStore) Record(_ context.Context, e *models.SecurityEvent) error {
	s.mu.Lock()
	s.pending = append(s.pending, row(e))
	s.trimLocked()
	full := len(s.pending) >= s.flushSize
	s.mu.Unlock()

	if full {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// trimLocked drops the oldest rows beyond maxPending. Caller holds mu.
func (s *EventStore) trimLocked() {
	over := len(s.pending) - s.maxPending
	if over <= 0 {
		return
	}
	s.pending = s.pending[over:]
	if s.dropped.Add(uint64(over)) == uint64(over) {
		s.logger.Warn("Security event buffer full, dropping oldest events",
			zap.Int("max_pending", s.maxPending))
	}
}

func (s *EventStore) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.flushInterval
	retry.MaxInterval = maxRetryInterval
	retry.MaxElapsedTime = 0
	var retryAt time.Time

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if time.Now().Before(retryAt) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := s.Flush(ctx)
		cancel()
		if err != nil {
			wait := retry.NextBackOff()
			retryAt = time.Now().Add(wait)
			s.mu.Lock()
			pending := len(s.pending)
			s.mu.Unlock()
			s.logger.Warn("Security event flush failed",
				zap.Duration("retry_in", wait),
				zap.Int("pending", pending),
				zap.Uint64("dropped", s.dropped.Load()),
				zap.Error(err))
			continue
		}
		retry.Reset()
		retryAt = time.Time{}
	}
}

// Flush writes every buffered row. On failure the rows go back to the
// front of the buffer, still bounded by maxPending.
func (s *EventStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.conn.BatchInsert(ctx, insertEvents, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.trimLocked()
		s.mu.Unlock()
		return fmt.Errorf("insert %d security events: %w", len(batch), err)
	}
	s.logger.Debug("Flushed security events", zap.Int("count", len(batch)))
	return nil
}

func (s *EventStore) Since(ctx context.Context, since time.Time) ([]*models.SecurityEvent, error) {
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("Flush before read failed", zap.Error(err))
	}

	rows, err := s.conn.QueryRows(ctx, selectSince, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityEvent
	for rows.Next() {
		var (
			e       models.SecurityEvent
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.UserID, &e.IPAddress, &e.Country,
			&e.Resource, &e.Action, &outcome, &e.Metadata, &e.RiskScore); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		e.Outcome = models.Outcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close stops the flush loop and makes a final attempt to write the buffer.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		s.closeErr = s.Flush(ctx)
	})
	return s.closeErr
}
