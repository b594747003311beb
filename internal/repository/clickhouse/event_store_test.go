package clickhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	execs   []string
	batches [][][]interface{}
	inserts int
	failing bool
}

func (f *fakeConn) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeConn) QueryRows(context.Context, string, ...interface{}) (driver.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConn) BatchInsert(_ context.Context, _ string, data [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failing {
		return errors.New("clickhouse down")
	}
	f.batches = append(f.batches, data)
	return nil
}

func (f *fakeConn) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeConn) snapshot() (inserts int, batches [][][]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts, append([][][]interface{}(nil), f.batches...)
}

func pendingIDs(s *EventStore) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for _, r := range s.pending {
		ids = append(ids, r[0].(string))
	}
	return ids
}

func event(id string) *models.SecurityEvent {
	return &models.SecurityEvent{ID: id, Timestamp: time.Now(), EventType: "login_failed", UserID: "alice"}
}

func TestEventStore_FlushesWhenFull(t *testing.T) {
	conn := &fakeConn{}
	s, err := NewEventStore(context.Background(), conn, zap.NewNop(),
		WithFlushSize(3), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, conn.execs, 1)

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("a")))
	require.NoError(t, s.Record(ctx, event("b")))
	inserts, _ := conn.snapshot()
	assert.Zero(t, inserts)

	require.NoError(t, s.Record(ctx, event("c")))
	require.Eventually(t, func() bool {
		_, batches := conn.snapshot()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	_, batches := conn.snapshot()
	assert.Len(t, batches[0], 3)
	assert.Equal(t, "a", batches[0][0][0])
}

func TestEventStore_KeepsRowsOnFailure(t *testing.T) {
	conn := &fakeConn{}
	s, err := NewEventStore(context.Background(), conn, zap.NewNop(),
		WithMaxPending(3), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	conn.setFailing(true)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Record(ctx, event(id)))
	}

	inserts, _ := conn.snapshot()
	assert.Zero(t, inserts, "recording never writes to ClickHouse")
	assert.Equal(t, []string{"c", "d", "e"}, pendingIDs(s), "oldest rows are dropped at the cap")
	assert.Equal(t, uint64(2), s.dropped.Load())

	assert.Error(t, s.Flush(ctx))
	assert.Equal(t, []string{"c", "d", "e"}, pendingIDs(s))

	require.NoError(t, s.Record(ctx, event("f")))
	assert.Error(t, s.Flush(ctx))
	assert.Equal(t, []string{"d", "e", "f"}, pendingIDs(s), "failed batches stay within the cap")
	assert.Equal(t, uint64(3), s.dropped.Load())

	conn.setFailing(false)
	require.NoError(t, s.Flush(ctx))
	_, batches := conn.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Empty(t, pendingIDs(s))
}

func TestEventStore_CloseFlushesRemainder(t *testing.T) {
	conn := &fakeConn{}
	s, err := NewEventStore(context.Background(), conn, zap.NewNop(), WithFlushInterval(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), event("a")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, batches := conn.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "a", batches[0][0][0])
}
