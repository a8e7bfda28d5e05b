package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Store backed by a Redis server. Expiry is native, so Redis
// does not implement Sweeper.
//
// Unlike the other backends, Redis keeps scalars and lists in one key
// space: a Set on a list key replaces the list, and reads against a key of
// the wrong type behave as if the key were absent.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// OpenRedis connects to a single Redis node and verifies it answers PING.
func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, backendErr("redis", "ping", err)
	}
	return NewRedis(client), nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || isWrongType(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, backendErr("redis", "get", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	o := applySetOptions(opts)
	ttl := o.ttl
	if ttl < 0 {
		ttl = 0
	}
	return backendErr("redis", "set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	typ, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return false, backendErr("redis", "exists", err)
	}
	return typ == "string", nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	typ, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return backendErr("redis", "del", err)
	}
	// Lists are only removed through expiry.
	if typ != "string" {
		return nil
	}
	return backendErr("redis", "del", r.client.Del(ctx, key).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return backendErr("redis", "expire", r.client.Del(ctx, key).Err())
	}
	return backendErr("redis", "expire", r.client.PExpire(ctx, key, ttl).Err())
}

func (r *Redis) LPush(ctx context.Context, key string, value []byte) error {
	return backendErr("redis", "lpush", r.client.LPush(ctx, key, value).Err())
}

func (r *Redis) LRange(ctx context.Context, key string, start, end int64) ([][]byte, error) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = -1
	}
	if end >= 0 && end < start {
		return [][]byte{}, nil
	}

	vals, err := r.client.LRange(ctx, key, start, end).Result()
	if isWrongType(err) {
		return [][]byte{}, nil
	}
	if err != nil {
		return nil, backendErr("redis", "lrange", err)
	}

	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if isWrongType(err) {
		return 0, nil
	}
	if err != nil {
		return 0, backendErr("redis", "llen", err)
	}
	return n, nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	p := CompilePattern(pattern)

	var candidates []string
	iter := r.client.Scan(ctx, 0, p.RedisGlob(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if p.Match(key) {
			candidates = append(candidates, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, backendErr("redis", "keys", err)
	}

	keys := []string{}
	if len(candidates) == 0 {
		return keys, nil
	}

	pipe := r.client.Pipeline()
	types := make([]*redis.StatusCmd, len(candidates))
	for i, key := range candidates {
		types[i] = pipe.Type(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, backendErr("redis", "keys", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	for i, key := range candidates {
		if types[i].Val() != "list" {
			continue
		}
		// SCAN may return a key more than once.
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
