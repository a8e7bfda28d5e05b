package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/store"
	"github.com/shineum/vaultmail/internal/store/storetest"
)

func openBolt(t *testing.T, path string, clock *storetest.ManualClock) *store.Bolt {
	t.Helper()
	s, err := store.OpenBolt(path, store.WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestBolt(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, storetest.Clock) {
		clock := storetest.NewManualClock()
		s := openBolt(t, filepath.Join(t.TempDir(), "vaultmail.db"), clock)
		t.Cleanup(func() { s.Close() })
		return s, clock
	}, storetest.Capabilities{})
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vaultmail.db")
	clock := storetest.NewManualClock()
	ctx := context.Background()

	s := openBolt(t, path, clock)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.LPush(ctx, "inbox:a@x.com", storetest.Payload(i)))
	}
	require.NoError(t, s.Set(ctx, "settings:retention", []byte(`{"seconds":60}`)))
	require.NoError(t, s.Close())

	s = openBolt(t, path, clock)
	defer s.Close()

	items, err := s.LRange(ctx, "inbox:a@x.com", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.JSONEq(t, string(storetest.Payload(3)), string(items[0]))
	assert.JSONEq(t, string(storetest.Payload(1)), string(items[2]))

	got, ok, err := s.Get(ctx, "settings:retention")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"seconds":60}`, string(got))

	// A push after reopening keeps the sequence monotonic.
	require.NoError(t, s.LPush(ctx, "inbox:a@x.com", storetest.Payload(4)))
	items, err = s.LRange(ctx, "inbox:a@x.com", 0, 0)
	require.NoError(t, err)
	assert.JSONEq(t, string(storetest.Payload(4)), string(items[0]))
}

func TestBolt_Sweep(t *testing.T) {
	t.Parallel()

	clock := storetest.NewManualClock()
	s := openBolt(t, filepath.Join(t.TempDir(), "vaultmail.db"), clock)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "admin:session:t", []byte(`true`), store.WithTTL(time.Second)))
	require.NoError(t, s.LPush(ctx, "inbox:a@x.com", []byte(`1`)))
	require.NoError(t, s.LPush(ctx, "inbox:a@x.com", []byte(`2`)))
	require.NoError(t, s.Expire(ctx, "inbox:a@x.com", time.Second))
	require.NoError(t, s.LPush(ctx, "inbox:b@x.com", []byte(`1`)))

	clock.Advance(2 * time.Second)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.Keys(ctx, "inbox:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox:b@x.com"}, keys)
}

func TestBolt_ClosedDatabase(t *testing.T) {
	t.Parallel()

	s := openBolt(t, filepath.Join(t.TempDir(), "vaultmail.db"), storetest.NewManualClock())
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrBackendUnavailable))

	var backendErr *store.BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, "bolt", backendErr.Backend)
}
