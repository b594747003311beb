package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"security-engine/internal/client"
	"security-engine/internal/store"
)

const opTimeout = 5 * time.Second

// Expiry is set only by the increment that creates the key.
var incrWithExpireScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// ARGV: score, member, cutoff score, window ms.
var windowAddScript = goredis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
local count = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return count
`)

// CounterStore implements store.CounterStore on Redis. Every key is
// namespaced with prefix so several deployments can share one instance.
type CounterStore struct {
	client *client.RedisClient
	prefix string
	logger *zap.Logger
}

func NewCounterStore(c *client.RedisClient, prefix string, logger *zap.Logger) *CounterStore {
	return &CounterStore{client: c, prefix: prefix, logger: logger}
}

var _ store.CounterStore = (*CounterStore)(nil)

func (s *CounterStore) key(k string) string {
	return s.prefix + k
}

func (s *CounterStore) fail(op, key string, err error) error {
	s.logger.Error("Counter store operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	return fmt.Errorf("%w: %s %s: %v", store.ErrUnavailable, op, key, err)
}

func (s *CounterStore) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.client.Run(ctx, incrWithExpireScript, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("incr", key, err)
	}
	return n, nil
}

func (s *CounterStore) WindowAdd(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	score := at.UnixMilli()
	cutoff := at.Add(-window).UnixMilli()
	n, err := s.client.Run(ctx, windowAddScript, []string{s.key(key)},
		score, member, cutoff, window.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("window_add", key, err)
	}
	return n, nil
}

func (s *CounterStore) HashIncr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, s.key(key), field, delta)
	if ttl > 0 {
		pipe.PExpire(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.fail("hincrby", key, err)
	}
	return incr.Val(), nil
}

func (s *CounterStore) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(key), values...)
	if ttl > 0 {
		pipe.PExpire(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("hset", key, err)
	}
	return nil
}

func (s *CounterStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.key(key))
	if err != nil {
		return nil, s.fail("hgetall", key, err)
	}
	return m, nil
}

func (s *CounterStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, ttl); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

func (s *CounterStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.client.Exists(ctx, s.key(key))
	if err != nil {
		return false, s.fail("exists", key, err)
	}
	return ok, nil
}

func (s *CounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	d, err := s.client.TTL(ctx, s.key(key))
	if err != nil {
		return 0, s.fail("ttl", key, err)
	}
	return d, nil
}

func (s *CounterStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Scan(ctx, s.key(prefix)+"*", 500)
	if err != nil {
		return nil, s.fail("scan", prefix, err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}

func (s *CounterStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...); err != nil {
		return s.fail("del", strings.Join(keys, ","), err)
	}
	return nil
}

func (s *CounterStore) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
