// Package settings reads and writes the service-wide settings records kept
// in the store. Every getter returns defaults when the record is absent or
// unreadable.
package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/vaultmail/internal/store"
)

const (
	// DefaultRetentionSeconds applies when no retention was configured.
	DefaultRetentionSeconds = 86400
	// MaxRetentionSeconds is the longest retention accepted, one year.
	MaxRetentionSeconds = 365 * 24 * 60 * 60
)

var (
	ErrInvalidRetention = errors.New("retention must be between 1 second and 1 year")
	ErrPasswordRequired = errors.New("password is required when enabling the lock")
)

// Defaults are the values served when a record has never been written.
type Defaults struct {
	RetentionSeconds int
	AppName          string
	Domains          []string
	HomepagePassword string
}

// Retention is the global inbox retention.
type Retention struct {
	Seconds   int    `json:"seconds"`
	UpdatedAt string `json:"updatedAt"`
}

// Telegram configures new-mail notifications.
type Telegram struct {
	Enabled        bool     `json:"enabled"`
	BotToken       string   `json:"botToken"`
	ChatID         string   `json:"chatId"`
	AllowedDomains []string `json:"allowedDomains"`
	UpdatedAt      string   `json:"updatedAt"`
}

// Configured reports whether notifications can be sent at all.
func (t Telegram) Configured() bool {
	return t.Enabled && t.BotToken != "" && t.ChatID != ""
}

// Branding holds the display name of the deployment.
type Branding struct {
	AppName   string `json:"appName"`
	UpdatedAt string `json:"updatedAt"`
}

// HomepageLock protects the public homepage with a shared password.
type HomepageLock struct {
	Enabled      bool   `json:"enabled"`
	PasswordHash string `json:"passwordHash,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

type domainsRecord struct {
	Domains []string `json:"domains"`
}

// Service gives typed access to the settings records.
type Service struct {
	store    store.Store
	defaults Defaults
	now      func() time.Time
}

// New creates a Service over s.
func New(s store.Store, defaults Defaults) *Service {
	if defaults.RetentionSeconds <= 0 {
		defaults.RetentionSeconds = DefaultRetentionSeconds
	}
	defaults.Domains = NormalizeDomains(defaults.Domains)
	defaults.AppName = strings.TrimSpace(defaults.AppName)
	return &Service{store: s, defaults: defaults, now: time.Now}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// load decodes the record at key into v. Corrupt records count as absent.
func (s *Service) load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("ignoring unreadable settings record", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// Retention returns the global retention, falling back to the default.
func (s *Service) Retention(ctx context.Context) (Retention, error) {
	var r Retention
	ok, err := s.load(ctx, store.SettingsRetention, &r)
	if err != nil {
		return Retention{}, err
	}
	if !ok || r.Seconds <= 0 {
		return Retention{Seconds: s.defaults.RetentionSeconds, UpdatedAt: s.timestamp()}, nil
	}
	return r, nil
}

// ValidRetention reports whether seconds is an acceptable retention.
func ValidRetention(seconds int) bool {
	return seconds > 0 && seconds <= MaxRetentionSeconds
}

// RetentionTTL converts seconds to a TTL, clamped to MaxRetentionSeconds
// so records written before the cap existed cannot overflow.
func RetentionTTL(seconds int) time.Duration {
	if seconds > MaxRetentionSeconds {
		seconds = MaxRetentionSeconds
	}
	return time.Duration(seconds) * time.Second
}

// SetRetention stores a new global retention.
func (s *Service) SetRetention(ctx context.Context, seconds int) (Retention, error) {
	if !ValidRetention(seconds) {
		return Retention{}, ErrInvalidRetention
	}
	r := Retention{Seconds: seconds, UpdatedAt: s.timestamp()}
	if err := store.SetJSON(ctx, s.store, store.SettingsRetention, r); err != nil {
		return Retention{}, err
	}
	return r, nil
}

// Telegram returns the notification settings; disabled when absent.
func (s *Service) Telegram(ctx context.Context) (Telegram, error) {
	var t Telegram
	ok, err := s.load(ctx, store.SettingsTelegram, &t)
	if err != nil {
		return Telegram{}, err
	}
	if !ok {
		return Telegram{AllowedDomains: []string{}, UpdatedAt: s.timestamp()}, nil
	}
	if t.AllowedDomains == nil {
		t.AllowedDomains = []string{}
	}
	return t, nil
}

// SetTelegram trims and stores t.
func (s *Service) SetTelegram(ctx context.Context, t Telegram) (Telegram, error) {
	t.BotToken = strings.TrimSpace(t.BotToken)
	t.ChatID = strings.TrimSpace(t.ChatID)
	t.AllowedDomains = NormalizeDomains(t.AllowedDomains)
	t.UpdatedAt = s.timestamp()
	if err := store.SetJSON(ctx, s.store, store.SettingsTelegram, t); err != nil {
		return Telegram{}, err
	}
	return t, nil
}

// Branding returns the app name, falling back to the configured default.
func (s *Service) Branding(ctx context.Context) (Branding, error) {
	var b Branding
	ok, err := s.load(ctx, store.SettingsBranding, &b)
	if err != nil {
		return Branding{}, err
	}
	b.AppName = strings.TrimSpace(b.AppName)
	if b.AppName == "" {
		b.AppName = s.defaults.AppName
	}
	if !ok || b.UpdatedAt == "" {
		b.UpdatedAt = s.timestamp()
	}
	return b, nil
}

// SetBranding stores appName. A blank name resets to the default.
func (s *Service) SetBranding(ctx context.Context, appName string) (Branding, error) {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		appName = s.defaults.AppName
	}
	b := Branding{AppName: appName, UpdatedAt: s.timestamp()}
	if err := store.SetJSON(ctx, s.store, store.SettingsBranding, b); err != nil {
		return Branding{}, err
	}
	return b, nil
}

// StoredDomains returns the domains saved by an admin, possibly none.
func (s *Service) StoredDomains(ctx context.Context) ([]string, error) {
	raw, ok, err := s.store.Get(ctx, store.SettingsDomains)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	return NormalizeDomains(parseDomains(raw)), nil
}

// Domains returns the stored domains, or the configured defaults when
// none are stored.
func (s *Service) Domains(ctx context.Context) ([]string, error) {
	domains, err := s.StoredDomains(ctx)
	if err != nil {
		return nil, err
	}
	if len(domains) > 0 {
		return domains, nil
	}
	return append([]string(nil), s.defaults.Domains...), nil
}

// SetDomains normalizes and stores domains.
func (s *Service) SetDomains(ctx context.Context, domains []string) ([]string, error) {
	normalized := NormalizeDomains(domains)
	if err := store.SetJSON(ctx, s.store, store.SettingsDomains, domainsRecord{Domains: normalized}); err != nil {
		return nil, err
	}
	return normalized, nil
}

// AcceptsDomain reports whether mail for domain should be accepted.
func (s *Service) AcceptsDomain(ctx context.Context, domain string) (bool, error) {
	domains, err := s.Domains(ctx)
	if err != nil {
		return false, err
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, d := range domains {
		if d == domain {
			return true, nil
		}
	}
	return false, nil
}

// HomepageLock returns the stored lock. Without a stored record, a
// configured homepage password enables the lock.
func (s *Service) HomepageLock(ctx context.Context) (HomepageLock, error) {
	var l HomepageLock
	ok, err := s.load(ctx, store.SettingsHomepageLock, &l)
	if err != nil {
		return HomepageLock{}, err
	}
	if ok {
		return l, nil
	}
	if pw := strings.TrimSpace(s.defaults.HomepagePassword); pw != "" {
		return HomepageLock{Enabled: true, PasswordHash: HashPassword(pw)}, nil
	}
	return HomepageLock{}, nil
}

// SetHomepageLock enables or disables the lock. An empty password keeps
// the current hash; enabling without any hash fails with
// ErrPasswordRequired.
func (s *Service) SetHomepageLock(ctx context.Context, enabled bool, password string) (HomepageLock, error) {
	current, err := s.HomepageLock(ctx)
	if err != nil {
		return HomepageLock{}, err
	}

	hash := current.PasswordHash
	if pw := strings.TrimSpace(password); pw != "" {
		hash = HashPassword(pw)
	}
	if enabled && hash == "" {
		return HomepageLock{}, ErrPasswordRequired
	}

	l := HomepageLock{Enabled: enabled, PasswordHash: hash, UpdatedAt: s.timestamp()}
	if err := store.SetJSON(ctx, s.store, store.SettingsHomepageLock, l); err != nil {
		return HomepageLock{}, err
	}
	return l, nil
}

// HashPassword returns the hex SHA-256 of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// NormalizeDomains lowercases, trims and de-duplicates domains, keeping
// the first occurrence order.
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// parseDomains accepts {"domains":[...]} as well as a bare array.
func parseDomains(raw []byte) []string {
	var rec domainsRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		return rec.Domains
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
