package store

import (
	"context"
	"strings"
	"time"
)

// Prefixed scopes every key of the wrapped store under "<prefix>:", so
// several deployments can share one backend.
type Prefixed struct {
	Store
	prefix string
}

// WithPrefix wraps s. An empty prefix (after trimming trailing colons)
// returns s unchanged.
func WithPrefix(s Store, prefix string) Store {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return s
	}
	return &Prefixed{Store: s, prefix: prefix + ":"}
}

func (p *Prefixed) key(k string) string {
	return p.prefix + k
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.Store.Get(ctx, p.key(key))
}

func (p *Prefixed) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	return p.Store.Set(ctx, p.key(key), value, opts...)
}

func (p *Prefixed) Exists(ctx context.Context, key string) (bool, error) {
	return p.Store.Exists(ctx, p.key(key))
}

func (p *Prefixed) Del(ctx context.Context, key string) error {
	return p.Store.Del(ctx, p.key(key))
}

func (p *Prefixed) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.Store.Expire(ctx, p.key(key), ttl)
}

func (p *Prefixed) LPush(ctx context.Context, key string, value []byte) error {
	return p.Store.LPush(ctx, p.key(key), value)
}

func (p *Prefixed) LRange(ctx context.Context, key string, start, end int64) ([][]byte, error) {
	return p.Store.LRange(ctx, p.key(key), start, end)
}

func (p *Prefixed) LLen(ctx context.Context, key string) (int64, error) {
	return p.Store.LLen(ctx, p.key(key))
}

// Keys matches pattern inside the prefix and returns unprefixed keys.
func (p *Prefixed) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := p.Store.Keys(ctx, p.key(pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.prefix))
	}
	return out, nil
}

// Sweep forwards to the wrapped store when it supports sweeping.
func (p *Prefixed) Sweep(ctx context.Context) (int, error) {
	if s, ok := p.Store.(Sweeper); ok {
		return s.Sweep(ctx)
	}
	return 0, nil
}
