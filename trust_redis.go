package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const createRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "fingerprint", ARGV[1], "record", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
return 1
`

const replaceRecordScript = `
local current = redis.call("HGET", KEYS[1], "fingerprint")
if current ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "fingerprint", ARGV[2], "record", ARGV[3])
return 1
`

var (
	createRecordLua  = redis.NewScript(createRecordScript)
	replaceRecordLua = redis.NewScript(replaceRecordScript)
)

// RedisConfig holds the connection settings of a Redis-backed trust record store.
type RedisConfig struct {
	URL       string `yaml:"redis_url"`
	Password  string `yaml:"redis_password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisRecordStore is a [TrustRecordStore] shared through Redis, for deployments where
// several client processes on one device must agree on pins. Conditional writes run
// as Lua scripts.
type RedisRecordStore struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

// NewRedisRecordStore wraps an existing client. The caller keeps ownership of rdb.
func NewRedisRecordStore(rdb *redis.Client, prefix string) *RedisRecordStore {
	if prefix == "" {
		prefix = "orbx"
	}
	return &RedisRecordStore{rdb: rdb, prefix: prefix}
}

// DialRedisRecordStore connects to Redis using cfg and verifies the connection.
func DialRedisRecordStore(ctx context.Context, cfg RedisConfig) (*RedisRecordStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := NewRedisRecordStore(rdb, cfg.KeyPrefix)
	store.owned = true
	return store, nil
}

// Close closes the Redis connection if the store opened it.
func (s *RedisRecordStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisRecordStore) recordKey(key string) string {
	return fmt.Sprintf("%s:trust:%s", s.prefix, key)
}

func (s *RedisRecordStore) indexKey() string {
	return fmt.Sprintf("%s:trust:index", s.prefix)
}

func (s *RedisRecordStore) Get(ctx context.Context, host string, port int) (TrustRecord, bool, error) {
	return s.get(ctx, trustKey(host, port))
}

func (s *RedisRecordStore) get(ctx context.Context, key string) (TrustRecord, bool, error) {
	data, err := s.rdb.HGet(ctx, s.recordKey(key), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return TrustRecord{}, false, nil
	}
	if err != nil {
		return TrustRecord{}, false, fmt.Errorf("hget failed: %w", err)
	}

	var rec TrustRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TrustRecord{}, false, fmt.Errorf("corrupt trust record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisRecordStore) Create(ctx context.Context, rec TrustRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal trust record: %w", err)
	}

	key := rec.Key()
	n, err := createRecordLua.Run(ctx, s.rdb,
		[]string{s.recordKey(key), s.indexKey()},
		rec.Fingerprint, string(data), key,
	).Int()
	if err != nil {
		return false, fmt.Errorf("create trust record: %w", err)
	}
	return n == 1, nil
}

func (s *RedisRecordStore) Replace(ctx context.Context, rec TrustRecord, previous string) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal trust record: %w", err)
	}

	n, err := replaceRecordLua.Run(ctx, s.rdb,
		[]string{s.recordKey(rec.Key())},
		previous, rec.Fingerprint, string(data),
	).Int()
	if err != nil {
		return false, fmt.Errorf("replace trust record: %w", err)
	}
	return n == 1, nil
}

func (s *RedisRecordStore) List(ctx context.Context) ([]TrustRecord, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	sort.Strings(keys)

	out := make([]TrustRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
