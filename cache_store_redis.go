package sessiontier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

// RedisCacheStore is the CacheStore backed by Redis.
type RedisCacheStore struct {
	client *redis.Client
}

// NewRedisCacheStore wraps an existing client. The caller owns the client and
// closes it.
func NewRedisCacheStore(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{client: client}
}

// RedisOptions configures NewRedisClient.
type RedisOptions = redis.Options

// NewRedisClient opens a client and verifies the connection with PING.
func NewRedisClient(ctx context.Context, opts *RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, redisError("ping", err)
	}
	return client, nil
}

func (s *RedisCacheStore) HashGet(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, redisError("hgetall", err)
	}
	return fields, nil
}

func (s *RedisCacheStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := s.client.HSet(ctx, key, values).Err(); err != nil {
		return redisError("hset", err)
	}
	return nil
}

func (s *RedisCacheStore) HashSetNX(ctx context.Context, key, field, value string) (bool, error) {
	set, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, redisError("hsetnx", err)
	}
	return set, nil
}

func (s *RedisCacheStore) ListAppend(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return redisError("rpush", err)
	}
	return nil
}

func (s *RedisCacheStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, redisError("lrange", err)
	}
	return values, nil
}

func (s *RedisCacheStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, redisError("exists", err)
	}
	return n > 0, nil
}

func (s *RedisCacheStore) Delete(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return 0, redisError("del", err)
	}
	return n, nil
}

// ScanKeys walks the keyspace with SCAN MATCH rather than KEYS so large
// databases are not blocked.
func (s *RedisCacheStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	seen := make(map[string]struct{})

	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once.
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, redisError("scan", err)
	}
	return keys, nil
}

func (s *RedisCacheStore) Flush(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return redisError("flushdb", err)
	}
	return nil
}

func redisError(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return &StoreError{Tier: TierCache, Op: op, Kind: StoreErrConnection, Err: err}
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
		return &StoreError{Tier: TierCache, Op: op, Kind: StoreErrOther, Err: fmt.Errorf("%w: %v", ErrWrongType, err)}
	}
	return newStoreError(TierCache, op, err)
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the glob metacharacters understood by SCAN MATCH.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
