package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/store"
)

func TestWithPrefix(t *testing.T) {
	t.Parallel()

	base := store.NewMemory()
	s := store.WithPrefix(base, "tenant::")
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, store.InboxKey("A@X.com"), []byte(`1`)))
	require.NoError(t, s.Set(ctx, store.SettingsRetention, []byte(`{}`)))

	n, err := base.LLen(ctx, "tenant:inbox:a@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := base.Exists(ctx, "tenant:settings:retention")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s.Keys(ctx, store.InboxPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox:a@x.com"}, keys)
}

func TestWithPrefix_Empty(t *testing.T) {
	t.Parallel()

	base := store.NewMemory()
	assert.Same(t, base, store.WithPrefix(base, " : ").(*store.Memory))
}

func TestWithPrefix_Sweep(t *testing.T) {
	t.Parallel()

	s := store.WithPrefix(store.NewMemory(), "app")
	_, ok := s.(store.Sweeper)
	assert.True(t, ok)
}
