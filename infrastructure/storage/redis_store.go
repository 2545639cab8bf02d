package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wfchat/contract"

	"github.com/redis/go-redis/v9"
)

// hdelIfEqual compares and deletes in one server-side step.
var hdelIfEqual = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisStore implements contract.Store with a Redis server shared by every process.
type RedisStore struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisStore(rdb *redis.Client, log *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err = rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Decr(ctx, key).Result()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	value, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return s.rdb.HSet(ctx, key, toArgs(values)).Err()
}

func (s *RedisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return s.rdb.HSetNX(ctx, key, field, value).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) HDelIfEqual(ctx context.Context, key, field, value string) (bool, error) {
	n, err := hdelIfEqual.Run(ctx, s.rdb, []string{key}, field, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, key, member).Result()
	return n == 1, err
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) ZAppend(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t redisTx) HSet(key string, values map[string]string) {
	if len(values) > 0 {
		t.pipe.HSet(t.ctx, key, toArgs(values))
	}
}

func (t redisTx) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		t.pipe.HDel(t.ctx, key, fields...)
	}
}

func (t redisTx) SAdd(key, member string) {
	t.pipe.SAdd(t.ctx, key, member)
}

func (t redisTx) SRem(key, member string) {
	t.pipe.SRem(t.ctx, key, member)
}

// Multi wraps the queued writes in MULTI/EXEC.
func (s *RedisStore) Multi(ctx context.Context, fn func(tx contract.Tx)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(redisTx{ctx: ctx, pipe: pipe})
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	s.log.Info("Closing redis store client...")
	return s.rdb.Close()
}

func toArgs(values map[string]string) map[string]interface{} {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	return args
}
