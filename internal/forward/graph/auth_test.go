package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *atomic.Int32, expiresIn int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type: got %q, want %q", got, "client_credentials")
		}
		if got := r.FormValue("scope"); got != graphScope {
			t.Errorf("scope: got %q, want %q", got, graphScope)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+n)),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenCache_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, &calls, 3600)
	tc := newTokenCache(srv.URL, "cid", "secret", srv.Client())

	for i := 0; i < 3; i++ {
		token, err := tc.Token(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "token-1" {
			t.Errorf("token: got %q, want %q", token, "token-1")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1", got)
	}
}

func TestTokenCache_RefreshesBeforeExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, &calls, 3600)
	tc := newTokenCache(srv.URL, "cid", "secret", srv.Client())

	now := time.Now()
	tc.now = func() time.Time { return now }
	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Inside the expiry buffer the token counts as expired.
	now = now.Add(time.Hour - tokenExpiryBuffer + time.Second)
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token: got %q, want %q", token, "token-2")
	}
}

func TestTokenCache_Invalidate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, &calls, 3600)
	tc := newTokenCache(srv.URL, "cid", "secret", srv.Client())

	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc.Invalidate()
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token: got %q, want %q", token, "token-2")
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, &calls, 3600)
	tc := newTokenCache(srv.URL, "cid", "secret", srv.Client())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tc.Token(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1", got)
	}
}

func TestTokenCache_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusInternalServerError, payload: `{"error":"boom"}`},
		{name: "missing token", status: http.StatusOK, payload: `{"expires_in":3600}`},
		{name: "bad json", status: http.StatusOK, payload: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			tc := newTokenCache(srv.URL, "cid", "secret", srv.Client())
			if _, err := tc.Token(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
