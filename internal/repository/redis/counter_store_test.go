package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/client"
	"security-engine/internal/config"
)

// newTestStore connects to REDIS_TEST_URL; the tests skip without it.
func newTestStore(t *testing.T) *CounterStore {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	cfg := &config.Config{Redis: config.RedisConfig{URL: url, PoolSize: 5}}
	c, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return NewCounterStore(c, fmt.Sprintf("test:%s:", uuid.NewString()), zap.NewNop())
}

func TestCounterStore_IncrWithExpireKeepsFirstTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrWithExpire(ctx, "rule:a", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	time.Sleep(1200 * time.Millisecond)
	n, err = s.IncrWithExpire(ctx, "rule:a", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := s.TTL(ctx, "rule:a")
	require.NoError(t, err)
	assert.Less(t, ttl, 1*time.Second, "second increment must not refresh expiry")
}

func TestCounterStore_WindowAdd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := s.WindowAdd(ctx, "vel", uuid.NewString(), now.Add(-2*time.Minute), time.Minute)
		require.NoError(t, err)
	}
	n, err := s.WindowAdd(ctx, "vel", uuid.NewString(), now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCounterStore_KeysStripPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "ban:10.0.0.1", "1", time.Minute))
	keys, err := s.Keys(ctx, "ban:")
	require.NoError(t, err)
	assert.Equal(t, []string{"ban:10.0.0.1"}, keys)

	require.NoError(t, s.Delete(ctx, "ban:10.0.0.1"))
	ok, err := s.Exists(ctx, "ban:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}
