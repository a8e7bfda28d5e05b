package domainexp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/store"
	"github.com/shineum/vaultmail/internal/store/storetest"
)

type fixture struct {
	checker *Checker
	store   store.Store
	clock   *storetest.ManualClock
	calls   *atomic.Int32
}

func newFixture(t *testing.T, handler http.HandlerFunc) fixture {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	clock := storetest.NewManualClock()
	s := store.NewMemory(store.WithClock(clock.Now))
	c := New(s, srv.URL+"/api/lookup", srv.Client())
	c.now = clock.Now
	return fixture{checker: c, store: s, clock: clock, calls: &calls}
}

func whois(date string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"expirationDate":"` + date + `"}}`))
	}
}

func TestGet_CachesLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "ysweb.biz.id" {
			t.Errorf("query: got %q, want %q", got, "ysweb.biz.id")
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("User-Agent: got %q", got)
		}
		whois("2027-03-01T00:00:00Z")(w, r)
	})

	rec, err := f.checker.Get(ctx, " YSWEB.biz.id ")
	require.NoError(t, err)
	assert.Equal(t, "ysweb.biz.id", rec.Domain)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, "2027-03-01T00:00:00.000Z", *rec.ExpiresAt)

	again, err := f.checker.Get(ctx, "ysweb.biz.id")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.EqualValues(t, 1, f.calls.Load(), "second call should hit the cache")

	f.clock.Advance(CacheTTL + time.Second)
	_, err = f.checker.Get(ctx, "ysweb.biz.id")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load(), "stale record should be refreshed")
}

func TestRefresh_LookupFailureClearsCache(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		whois("2027-03-01")(w, r)
	})

	_, err := f.checker.Refresh(ctx, "ysweb.biz.id")
	require.NoError(t, err)
	ok, err := f.store.Exists(ctx, store.DomainExpirationKey("ysweb.biz.id"))
	require.NoError(t, err)
	assert.True(t, ok)

	fail.Store(true)
	rec, err := f.checker.Refresh(ctx, "ysweb.biz.id")
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt)
	assert.NotEmpty(t, rec.CheckedAt)

	ok, err = f.store.Exists(ctx, store.DomainExpirationKey("ysweb.biz.id"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh_NoExpirationDate(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{}}`))
	})

	rec, err := f.checker.Refresh(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt)
}

func TestRefreshAll(t *testing.T) {
	f := newFixture(t, whois("2030-01-02 03:04:05"))

	recs, err := f.checker.RefreshAll(context.Background(), []string{"a.test", "b.test", "c.test"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, d := range []string{"a.test", "b.test", "c.test"} {
		assert.Equal(t, d, recs[i].Domain)
		require.NotNil(t, recs[i].ExpiresAt)
		assert.Equal(t, "2030-01-02T03:04:05.000Z", *recs[i].ExpiresAt)
	}
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestParseExpiration(t *testing.T) {
	for _, v := range []string{
		"2027-03-01T00:00:00Z",
		"2027-03-01T00:00:00.123+07:00",
		"2027-03-01T00:00:00+0000",
		"2027-03-01 00:00:00",
		"2027-03-01",
	} {
		_, err := parseExpiration(v)
		assert.NoError(t, err, v)
	}
	_, err := parseExpiration("next tuesday")
	assert.Error(t, err)
}
