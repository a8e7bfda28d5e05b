package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestUpdateAddressSettings_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateAddressSettings(ctx, " ", SettingsUpdate{RetentionSeconds: intPtr(60)})
	assert.ErrorIs(t, err, ErrMissingAddress)

	_, err = f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{})
	assert.ErrorIs(t, err, ErrNoSettings)

	_, err = f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(0)})
	assert.ErrorIs(t, err, ErrInvalidRetention)

	_, err = f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{ForwardTo: strPtr("nobody")})
	assert.ErrorIs(t, err, ErrInvalidForwardTo)
}

func TestUpdateAddressSettings_RetentionUpperBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, seconds := range []int{settings.MaxRetentionSeconds + 1, 10_000_000_000} {
		_, err := f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(seconds)})
		assert.ErrorIs(t, err, ErrInvalidRetention, "retention %d", seconds)
	}
	stored, err := f.svc.AddressSettings(ctx, "box@ysweb.biz.id")
	require.NoError(t, err)
	assert.Equal(t, AddressSettings{}, stored, "rejected values are not stored")

	got, err := f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(settings.MaxRetentionSeconds)})
	require.NoError(t, err)
	assert.Equal(t, settings.MaxRetentionSeconds, got.RetentionSeconds)

	_, err = f.svc.Deliver(ctx, Message{From: "x@example.com", To: "box@ysweb.biz.id"})
	require.NoError(t, err)
	f.clock.Advance(300 * 24 * time.Hour)
	list, err := f.svc.List(ctx, "box@ysweb.biz.id")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeliver_OversizedStoredRetentionKeepsMail(t *testing.T) {
	ctx := context.Background()

	t.Run("per address", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Set(ctx, store.AddressSettingsKey("box@ysweb.biz.id"), []byte(`{"retentionSeconds":10000000000}`)))

		_, err := f.svc.Deliver(ctx, Message{From: "x@example.com", To: "box@ysweb.biz.id"})
		require.NoError(t, err)
		list, err := f.svc.List(ctx, "box@ysweb.biz.id")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		f.clock.Advance(time.Duration(settings.MaxRetentionSeconds)*time.Second + time.Second)
		list, err = f.svc.List(ctx, "box@ysweb.biz.id")
		require.NoError(t, err)
		assert.Empty(t, list, "clamped to the longest accepted retention")
	})

	t.Run("global", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Set(ctx, store.SettingsRetention, []byte(`{"seconds":10000000000}`)))

		_, err := f.svc.Deliver(ctx, Message{From: "x@example.com", To: "box@ysweb.biz.id"})
		require.NoError(t, err)
		list, err := f.svc.List(ctx, "box@ysweb.biz.id")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestUpdateAddressSettings_Merges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateAddressSettings(ctx, "Box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(3600)})
	require.NoError(t, err)
	got, err := f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{ForwardTo: strPtr("me@example.com")})
	require.NoError(t, err)
	assert.Equal(t, AddressSettings{RetentionSeconds: 3600, ForwardTo: "me@example.com"}, got)

	got, err = f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{ForwardTo: strPtr("  ")})
	require.NoError(t, err)
	assert.Equal(t, AddressSettings{RetentionSeconds: 3600}, got)

	stored, err := f.svc.AddressSettings(ctx, "<box@ysweb.biz.id>")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestUpdateAddressSettings_ExpiresAfterSevenDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(60)})
	require.NoError(t, err)

	f.clock.Advance(AddressSettingsTTL + time.Second)
	stored, err := f.svc.AddressSettings(ctx, "box@ysweb.biz.id")
	require.NoError(t, err)
	assert.Equal(t, AddressSettings{}, stored)
}

func TestUpdateAddressSettings_ReExpiresInbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Deliver(ctx, Message{From: "x@example.com", To: "box@ysweb.biz.id"})
	require.NoError(t, err)

	_, err = f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(30)})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	list, err := f.svc.List(ctx, "box@ysweb.biz.id")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateAddressSettings_DoesNotCreateInbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateAddressSettings(ctx, "box@ysweb.biz.id", SettingsUpdate{RetentionSeconds: intPtr(30)})
	require.NoError(t, err)

	keys, err := f.store.Keys(ctx, store.InboxPattern)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAddressSettings_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Set(ctx, store.AddressSettingsKey("box@ysweb.biz.id"), []byte("{")))
	got, err := f.svc.AddressSettings(ctx, "box@ysweb.biz.id")
	require.NoError(t, err)
	assert.Equal(t, AddressSettings{}, got)
}
