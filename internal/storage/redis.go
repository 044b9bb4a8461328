package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisCachePrefix = "tripseed:cache:"
	redisErrorsKey   = "tripseed:errors"
)

// RedisStore keeps the prompt cache and the error quarantine in Redis.
// Place documents are not supported.
type RedisStore struct {
	rdb *redis.Client
}

type redisCacheEntry struct {
	Prompt    string    `json:"prompt"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenRedis connects to the Redis server at addr and verifies it answers PING.
func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedisStore(rdb), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// cacheKey hashes the prompt so arbitrary text is a safe key.
func cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return redisCachePrefix + hex.EncodeToString(sum[:])
}

func (s *RedisStore) LookupCache(ctx context.Context, prompt string) (CacheEntry, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(prompt)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var e redisCacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return CacheEntry{}, fmt.Errorf("decoding cache entry: %w", err)
	}
	// A digest collision must not serve another prompt's answer.
	if e.Prompt != prompt {
		return CacheEntry{}, ErrNotFound
	}
	return CacheEntry{Prompt: e.Prompt, Result: e.Result, CreatedAt: e.CreatedAt}, nil
}

// InsertCacheIfAbsent uses SETNX so the first writer for a prompt wins.
func (s *RedisStore) InsertCacheIfAbsent(ctx context.Context, entry CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(redisCacheEntry{Prompt: entry.Prompt, Result: entry.Result, CreatedAt: entry.CreatedAt})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return s.rdb.SetNX(ctx, cacheKey(entry.Prompt), b, 0).Err()
}

func (s *RedisStore) DeleteCache(ctx context.Context, prompt string) error {
	n, err := s.rdb.Del(ctx, cacheKey(prompt)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) CountCache(ctx context.Context) (int, error) {
	var (
		n      int
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, redisCachePrefix+"*", 500).Result()
		if err != nil {
			return 0, err
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

// AppendError pushes the record onto the tail of the quarantine list.
func (s *RedisStore) AppendError(ctx context.Context, rec ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding error record: %w", err)
	}
	return s.rdb.RPush(ctx, redisErrorsKey, b).Err()
}

// ListErrors returns quarantined answers, newest first.
func (s *RedisStore) ListErrors(ctx context.Context, limit, offset int) ([]ErrorRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Newest records sit at the tail; negative indices count from it.
	start := -int64(offset + limit)
	stop := -int64(offset + 1)
	items, err := s.rdb.LRange(ctx, redisErrorsKey, start, stop).Result()
	if err != nil {
		return nil, err
	}

	results := make([]ErrorRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var r ErrorRecord
		if err := json.Unmarshal([]byte(items[i]), &r); err != nil {
			return nil, fmt.Errorf("decoding error record: %w", err)
		}
		results = append(results, r)
	}
	return results, nil
}
