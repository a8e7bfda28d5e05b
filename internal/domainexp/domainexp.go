// Package domainexp looks up and caches the registration expiry of mail
// domains.
package domainexp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/vaultmail/internal/store"
)

const (
	// DefaultLookupURL is the WHOIS search API endpoint.
	DefaultLookupURL = "https://whois-search.vercel.app/api/lookup"

	// CacheTTL is how long a successful lookup stays fresh.
	CacheTTL = 24 * time.Hour

	userAgent       = "VaultMail/1.0 (domain-expiration-check)"
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// expirationLayouts are the date formats seen in WHOIS answers.
var expirationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Record is a cached lookup result. ExpiresAt is nil when the lookup found
// nothing.
type Record struct {
	Domain    string  `json:"domain"`
	ExpiresAt *string `json:"expiresAt"`
	CheckedAt string  `json:"checkedAt"`
}

type lookupResponse struct {
	Result *struct {
		ExpirationDate string `json:"expirationDate"`
	} `json:"result"`
}

// Checker serves expiry records from the store, refreshing stale ones.
type Checker struct {
	store      store.Store
	lookupURL  string
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Checker querying lookupURL.
func New(s store.Store, lookupURL string, client *http.Client) *Checker {
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Checker{store: s, lookupURL: lookupURL, httpClient: client, now: time.Now}
}

// Get returns the cached record of domain when it is younger than
// CacheTTL, and a fresh lookup otherwise.
func (c *Checker) Get(ctx context.Context, domain string) (Record, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	cached, ok, err := store.GetJSON[Record](ctx, c.store, store.DomainExpirationKey(domain))
	if err != nil {
		slog.Warn("domain expiration cache read failed", "domain", domain, "error", err)
	}
	if ok {
		if checked, err := time.Parse(time.RFC3339Nano, cached.CheckedAt); err == nil && c.now().Sub(checked) < CacheTTL {
			return cached, nil
		}
	}
	return c.Refresh(ctx, domain)
}

// Refresh looks domain up and updates the cache. Lookup failures produce a
// record without ExpiresAt and clear the cache entry.
func (c *Checker) Refresh(ctx context.Context, domain string) (Record, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	rec := Record{Domain: domain}
	expiresAt, err := c.lookup(ctx, domain)
	if err != nil {
		slog.Warn("domain expiration lookup failed", "domain", domain, "error", err)
	}
	if ctx.Err() != nil {
		return Record{}, ctx.Err()
	}
	rec.CheckedAt = c.now().UTC().Format(timestampLayout)

	key := store.DomainExpirationKey(domain)
	if !expiresAt.IsZero() {
		v := expiresAt.UTC().Format(timestampLayout)
		rec.ExpiresAt = &v
		err = store.SetJSON(ctx, c.store, key, rec, store.WithTTL(CacheTTL))
	} else {
		err = c.store.Del(ctx, key)
	}
	if err != nil {
		slog.Warn("domain expiration cache write failed", "domain", domain, "error", err)
	}
	return rec, nil
}

// RefreshAll refreshes every domain concurrently. Results keep the order
// of domains.
func (c *Checker) RefreshAll(ctx context.Context, domains []string) ([]Record, error) {
	records := make([]Record, len(domains))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, d := range domains {
		g.Go(func() error {
			rec, err := c.Refresh(gctx, d)
			records[i] = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Checker) lookup(ctx context.Context, domain string) (time.Time, error) {
	u, err := url.Parse(c.lookupURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lookup URL: %w", err)
	}
	q := u.Query()
	q.Set("query", domain)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("lookup API error (HTTP %d)", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decoding lookup response: %w", err)
	}
	if body.Result == nil || body.Result.ExpirationDate == "" {
		return time.Time{}, nil
	}
	return parseExpiration(body.Result.ExpirationDate)
}

func parseExpiration(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiration date %q", v)
}
