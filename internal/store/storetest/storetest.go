// Package storetest holds the behavioural test suite every store.Store
// backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/store"
)

// Clock moves a backend's notion of time forward.
type Clock interface {
	Advance(d time.Duration)
}

// Factory returns a fresh, empty store and the clock that drives its expiry.
type Factory func(t *testing.T) (store.Store, Clock)

// Capabilities describe where a backend deviates from the reference.
type Capabilities struct {
	// SharedKeyspace is set when a scalar and a list cannot live under the
	// same key.
	SharedKeyspace bool
}

// ManualClock is a Clock for backends that accept store.WithClock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts at a fixed instant.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SleepClock advances by sleeping, for backends whose clock cannot be
// replaced.
type SleepClock struct{}

func (SleepClock) Advance(d time.Duration) {
	time.Sleep(d)
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory, caps Capabilities) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore) })
	t.Run("SetOverwrites", func(t *testing.T) { testSetOverwrites(t, newStore) })
	t.Run("ScalarTTL", func(t *testing.T) { testScalarTTL(t, newStore) })
	t.Run("ListTTL", func(t *testing.T) { testListTTL(t, newStore) })
	t.Run("ListOrdering", func(t *testing.T) { testListOrdering(t, newStore) })
	t.Run("ListSlicing", func(t *testing.T) { testListSlicing(t, newStore) })
	t.Run("IdempotentDelete", func(t *testing.T) { testIdempotentDelete(t, newStore) })
	t.Run("PatternScan", func(t *testing.T) { testPatternScan(t, newStore) })
	t.Run("KeysExcludesExpired", func(t *testing.T) { testKeysExcludesExpired(t, newStore) })
	t.Run("ConcurrentPush", func(t *testing.T) { testConcurrentPush(t, newStore) })
	t.Run("ExpireThenPushResets", func(t *testing.T) { testExpireThenPushResets(t, newStore) })
	t.Run("PushPreservesTTL", func(t *testing.T) { testPushPreservesTTL(t, newStore) })
	t.Run("ExpireNeverCreates", func(t *testing.T) { testExpireNeverCreates(t, newStore) })
	t.Run("MissingList", func(t *testing.T) { testMissingList(t, newStore) })
	if !caps.SharedKeyspace {
		t.Run("ScalarAndListCoexist", func(t *testing.T) { testScalarAndListCoexist(t, newStore) })
	}
}

func testRoundTrip(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	in := map[string]any{
		"seconds":   float64(3600),
		"updatedAt": "2024-03-01T12:00:00Z",
		"nested":    map[string]any{"ok": true, "list": []any{"a", float64(1)}},
	}
	require.NoError(t, store.SetJSON(ctx, s, "settings:retention", in))

	out, ok, err := store.GetJSON[map[string]any](ctx, s, "settings:retention")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)

	exists, err := s.Exists(ctx, "settings:retention")
	require.NoError(t, err)
	assert.True(t, exists)

	raw := []byte{0, 1, 2, 0xff}
	require.NoError(t, s.Set(ctx, "binary", raw))
	got, ok, err := s.Get(ctx, "binary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func testSetOverwrites(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte(`"first"`), store.WithTTL(time.Second)))
	require.NoError(t, s.Set(ctx, "k", []byte(`"second"`)))

	// The second Set dropped the TTL along with the value.
	clock.Advance(1500 * time.Millisecond)

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"second"`, string(got))
}

func testScalarTTL(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "admin:session:abc", []byte(`true`), store.WithTTL(time.Second)))

	_, ok, err := s.Get(ctx, "admin:session:abc")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(1500 * time.Millisecond)

	_, ok, err = s.Get(ctx, "admin:session:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := s.Exists(ctx, "admin:session:abc")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testListTTL(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "inbox:a@x.com", []byte(`"a"`)))
	require.NoError(t, s.Expire(ctx, "inbox:a@x.com", time.Second))

	clock.Advance(1500 * time.Millisecond)

	items, err := s.LRange(ctx, "inbox:a@x.com", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)

	n, err := s.LLen(ctx, "inbox:a@x.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testListOrdering(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.LPush(ctx, "k", []byte(v)))
	}

	items, err := s.LRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, strs(items))
}

func testListSlicing(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.LPush(ctx, "k", []byte(strconv.Itoa(i))))
	}

	tests := []struct {
		start, end int64
		want       []string
	}{
		{0, 1, []string{"5", "4"}},
		{2, -1, []string{"3", "2", "1"}},
		{0, 0, []string{"5"}},
		{4, 10, []string{"1"}},
		{5, -1, []string{}},
		{3, 2, []string{}},
	}
	for _, tt := range tests {
		items, err := s.LRange(ctx, "k", tt.start, tt.end)
		require.NoError(t, err)
		assert.Equal(t, tt.want, strs(items), "LRange(%d, %d)", tt.start, tt.end)
	}

	n, err := s.LLen(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func testIdempotentDelete(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "other", []byte(`1`)))
	require.NoError(t, s.Del(ctx, "missing"))
	require.NoError(t, s.Del(ctx, "missing"))

	got, ok, err := s.Get(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(got))

	require.NoError(t, s.Del(ctx, "other"))
	_, ok, err = s.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPatternScan(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "inbox:a@x.com", []byte(`1`)))
	require.NoError(t, s.LPush(ctx, "inbox:b@x.com", []byte(`1`)))
	require.NoError(t, s.LPush(ctx, "outbox:c@x.com", []byte(`1`)))
	require.NoError(t, s.Set(ctx, "settings:retention", []byte(`{}`)))
	require.NoError(t, s.Set(ctx, "inbox:scalar", []byte(`{}`)))

	keys, err := s.Keys(ctx, "inbox:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inbox:a@x.com", "inbox:b@x.com"}, keys)

	keys, err = s.Keys(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testKeysExcludesExpired(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "inbox:old@x.com", []byte(`1`)))
	require.NoError(t, s.Expire(ctx, "inbox:old@x.com", time.Second))
	require.NoError(t, s.LPush(ctx, "inbox:new@x.com", []byte(`1`)))

	clock.Advance(1500 * time.Millisecond)

	keys, err := s.Keys(ctx, "inbox:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox:new@x.com"}, keys)

	n, err := s.LLen(ctx, "inbox:old@x.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentPush(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.LPush(ctx, "inbox:busy@x.com", []byte(strconv.Itoa(i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.LLen(ctx, "inbox:busy@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)

	items, err := s.LRange(ctx, "inbox:busy@x.com", 0, -1)
	require.NoError(t, err)
	seen := make(map[string]bool, n)
	for _, item := range items {
		seen[string(item)] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[strconv.Itoa(i)], "item %d missing", i)
	}
}

func testExpireThenPushResets(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "k", []byte("old")))
	require.NoError(t, s.Expire(ctx, "k", time.Second))

	clock.Advance(1500 * time.Millisecond)

	require.NoError(t, s.LPush(ctx, "k", []byte("new")))
	items, err := s.LRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, strs(items))

	// The fresh list has no expiry.
	clock.Advance(1500 * time.Millisecond)
	n, err := s.LLen(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testPushPreservesTTL(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "k", []byte("a")))
	require.NoError(t, s.Expire(ctx, "k", 2*time.Second))

	clock.Advance(time.Second)
	require.NoError(t, s.LPush(ctx, "k", []byte("b")))

	items, err := s.LRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, strs(items))

	clock.Advance(1500 * time.Millisecond)
	n, err := s.LLen(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n, "push must not extend the list TTL")
}

func testExpireNeverCreates(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Expire(ctx, "ghost", time.Hour))

	exists, err := s.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)

	keys, err := s.Keys(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testMissingList(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	items, err := s.LRange(ctx, "inbox:nobody@x.com", 0, -1)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	n, err := s.LLen(ctx, "inbox:nobody@x.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testScalarAndListCoexist(t *testing.T, newStore Factory) {
	s, clock := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "both", []byte(`"scalar"`)))
	require.NoError(t, s.LPush(ctx, "both", []byte("item")))

	got, ok, err := s.Get(ctx, "both")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"scalar"`, string(got))

	require.NoError(t, s.Expire(ctx, "both", time.Second))
	clock.Advance(1500 * time.Millisecond)

	_, ok, err = s.Get(ctx, "both")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := s.LLen(ctx, "both")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func strs(items [][]byte) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, string(item))
	}
	return out
}

// Payload is a JSON value used by backend-specific tests.
func Payload(i int) []byte {
	b, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("msg-%d", i)})
	return b
}
