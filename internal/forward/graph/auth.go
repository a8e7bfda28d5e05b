package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	graphScope = "https://graph.microsoft.com/.default"
	// tokenExpiryBuffer treats a token as expired this long before Azure
	// would reject it.
	tokenExpiryBuffer = 5 * time.Minute
)

// tokenCache hands out an app-only access token obtained with the client
// credentials grant. Concurrent callers that find the cache empty share
// one token request.
type tokenCache struct {
	tokenURL string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	fetches singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func newTokenCache(tokenURL, clientID, clientSecret string, client *http.Client) *tokenCache {
	return &tokenCache{
		tokenURL: tokenURL,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: client,
		now:    time.Now,
	}
}

func (tc *tokenCache) cached() (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.token, tc.token != "" && tc.now().Before(tc.expiresAt)
}

// Token returns a live token, fetching one when the cache is empty or
// about to expire.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := tc.cached(); ok {
		return tok, nil
	}
	v, err, _ := tc.fetches.Do("token", func() (interface{}, error) {
		if tok, ok := tc.cached(); ok {
			return tok, nil
		}
		return tc.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, after Graph answered 401 for it.
func (tc *tokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiresAt = time.Time{}
	tc.mu.Unlock()
}

func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	tc.mu.Lock()
	tc.token = tr.AccessToken
	tc.expiresAt = tc.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer)
	tc.mu.Unlock()
	return tr.AccessToken, nil
}
