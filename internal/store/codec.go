package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads the scalar at key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, opts ...SetOption) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, opts...)
}

// PushJSON encodes v and prepends it to the list at key.
func PushJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.LPush(ctx, key, raw)
}

// LRangeJSON reads a list window and decodes every item. Items that fail
// to decode are skipped so one corrupt record does not hide the others.
func LRangeJSON[T any](ctx context.Context, s Store, key string, start, end int64) ([]T, error) {
	raws, err := s.LRange(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
