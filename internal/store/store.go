// Package store provides a Redis-style key/value and list store with lazy
// expiry. Scalar entries and lists live in separate namespaces: a key may
// address a scalar, a list, or both. Expired data is evicted on the next
// read that touches it and is never returned to callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBackendUnavailable matches every error caused by the underlying
// storage backend (connection failures, timeouts, I/O errors).
// Absent or expired keys are never reported as errors.
var ErrBackendUnavailable = errors.New("storage backend unavailable")

// Store is the set of operations the rest of the service relies on.
// Values are opaque byte slices, normally JSON documents.
type Store interface {
	// Get returns the value of a live scalar entry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set overwrites the scalar entry for key, replacing value and TTL.
	Set(ctx context.Context, key string, value []byte, opts ...SetOption) error

	// Exists reports whether a live scalar entry is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Del removes the scalar entry for key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Expire sets the TTL of whatever exists under key (scalar, list or both),
	// counted from now. It never creates entries.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// LPush prepends value to the list stored at key, creating the list
	// without expiry when it does not exist. The list TTL is preserved.
	LPush(ctx context.Context, key string, value []byte) error

	// LRange returns items newest-first between start and end inclusive.
	// A negative end means "through the last item".
	LRange(ctx context.Context, key string, start, end int64) ([][]byte, error)

	// LLen returns the number of items in the list, 0 when it does not exist.
	LLen(ctx context.Context, key string) (int64, error)

	// Keys returns the list keys matching pattern; '*' is the only wildcard.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// Sweeper is implemented by backends without native expiry. Sweep removes
// every expired scalar and list and returns how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SetOption configures a Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL makes the entry expire ttl after the Set call. A zero or
// negative ttl leaves the entry without expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a backend.
type Option func(*backendOptions)

type backendOptions struct {
	now func() time.Time
}

// WithClock replaces the wall clock used to compute and check expiry.
func WithClock(now func() time.Time) Option {
	return func(o *backendOptions) {
		o.now = now
	}
}

func applyOptions(opts []Option) backendOptions {
	o := backendOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BackendError wraps a backend failure. It matches ErrBackendUnavailable
// as well as the underlying error.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

func backendErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}

// expired reports whether an entry with the given expiry is gone at now.
func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

func expiryFrom(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// window converts an inclusive [start, end] range over a newest-first list
// into skip/limit. limit < 0 means unbounded; ok is false for an empty window.
func window(start, end int64) (skip, limit int64, ok bool) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		return start, -1, true
	}
	limit = end - start + 1
	if limit <= 0 {
		return 0, 0, false
	}
	return start, limit, true
}
