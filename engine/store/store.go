// Package store wraps the shared external store behind a small interface so
// the decision engine, config store, and algorithm-switch coordinator depend
// on a handful of verbs, not the Redis SDK directly — the same "depend on a
// small interface" shape the teacher uses for metrics.Provider.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared-state surface every component needs. Eval runs a
// compiled script atomically server-side; ScanDel deletes every key matching
// a pattern using cursored SCAN + pipelined DEL so a large key family never
// blocks the server with a single KEYS call.
type Store interface {
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ScanDel(ctx context.Context, pattern string, batch int64) error
	Ping(ctx context.Context) error
}

// RedisStore is the production Store implementation.
type RedisStore struct {
	client *redis.Client
}

// New wraps an existing *redis.Client. The caller owns the client's lifetime.
func New(client *redis.Client) *RedisStore { return &RedisStore{client: client} }

func (s *RedisStore) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, s.client, keys, args...).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// ScanDel removes every key matching pattern using cursored SCAN with the
// given batch count, pipelining the deletes per batch (spec.md §4.R).
func (s *RedisStore) ScanDel(ctx context.Context, pattern string, batch int64) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			for _, k := range keys {
				pipe.Del(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
