// Package auth implements admin sessions, the homepage lock check and the
// per-IP login rate limiter. All state lives in the store.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

const (
	// SessionTTL is the lifetime of an admin session and its cookie.
	SessionTTL = 7 * 24 * time.Hour

	MaxAttempts     = 3
	LockoutDuration = 5 * time.Minute

	ScopeAdmin    = "admin-auth"
	ScopeHomepage = "homepage-auth"
)

var (
	ErrNotConfigured   = errors.New("authentication is not configured")
	ErrInvalidPassword = errors.New("invalid password")
	ErrMissingPassword = errors.New("password is required")
	ErrLocked          = errors.New("too many failed attempts")
)

// Sessions issues and validates admin session tokens.
type Sessions struct {
	store    store.Store
	password string
}

// NewSessions creates a Sessions checking logins against password. An
// empty password disables admin login.
func NewSessions(s store.Store, password string) *Sessions {
	return &Sessions{store: s, password: password}
}

// Login returns a fresh session token when password matches.
func (s *Sessions) Login(ctx context.Context, password string) (string, error) {
	if s.password == "" {
		return "", ErrNotConfigured
	}
	if !equal(password, s.password) {
		return "", ErrInvalidPassword
	}

	token := uuid.NewString()
	if err := s.store.Set(ctx, store.SessionKey(token), []byte("1"), store.WithTTL(SessionTTL)); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	return token, nil
}

// Valid reports whether token names a live session.
func (s *Sessions) Valid(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return s.store.Exists(ctx, store.SessionKey(token))
}

// Logout ends the session. Unknown tokens are ignored.
func (s *Sessions) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.Del(ctx, store.SessionKey(token))
}

// Homepage checks passwords against the homepage lock setting.
type Homepage struct {
	settings *settings.Service
}

// NewHomepage creates a Homepage reading the lock from svc.
func NewHomepage(svc *settings.Service) *Homepage {
	return &Homepage{settings: svc}
}

// Unlock verifies password and returns the value to keep in the homepage
// cookie.
func (h *Homepage) Unlock(ctx context.Context, password string) (string, error) {
	lock, err := h.settings.HomepageLock(ctx)
	if err != nil {
		return "", err
	}
	if !lock.Enabled || lock.PasswordHash == "" {
		return "", ErrNotConfigured
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return "", ErrMissingPassword
	}
	if !equal(settings.HashPassword(password), lock.PasswordHash) {
		return "", ErrInvalidPassword
	}
	return lock.PasswordHash, nil
}

// Authorized reports whether cookie unlocks the homepage. It is always
// true while the lock is disabled.
func (h *Homepage) Authorized(ctx context.Context, cookie string) (bool, error) {
	lock, err := h.settings.HomepageLock(ctx)
	if err != nil {
		return false, err
	}
	if !lock.Enabled {
		return true, nil
	}
	return cookie != "" && equal(cookie, lock.PasswordHash), nil
}

// Limiter locks an IP out of a scope after MaxAttempts failures.
type Limiter struct {
	store   store.Store
	scope   string
	max     int
	lockout time.Duration
}

// NewLimiter creates a Limiter for scope.
func NewLimiter(s store.Store, scope string) *Limiter {
	return &Limiter{store: s, scope: scope, max: MaxAttempts, lockout: LockoutDuration}
}

// Blocked reports whether ip is currently locked out.
func (l *Limiter) Blocked(ctx context.Context, ip string) (bool, error) {
	return l.store.Exists(ctx, store.LockoutKey(l.scope, ip))
}

// Fail records a failed attempt and reports whether ip is now locked out.
func (l *Limiter) Fail(ctx context.Context, ip string) (bool, error) {
	attemptsKey := store.AttemptsKey(l.scope, ip)

	attempts := 0
	raw, ok, err := l.store.Get(ctx, attemptsKey)
	if err != nil {
		return false, err
	}
	if ok {
		attempts, _ = strconv.Atoi(string(raw))
	}
	attempts++

	if attempts < l.max {
		err := l.store.Set(ctx, attemptsKey, []byte(strconv.Itoa(attempts)), store.WithTTL(l.lockout))
		return false, err
	}

	if err := l.store.Set(ctx, store.LockoutKey(l.scope, ip), []byte("1"), store.WithTTL(l.lockout)); err != nil {
		return false, err
	}
	if err := l.store.Del(ctx, attemptsKey); err != nil {
		return true, err
	}
	return true, nil
}

// Reset clears the attempt counter and any lockout of ip.
func (l *Limiter) Reset(ctx context.Context, ip string) error {
	return errors.Join(
		l.store.Del(ctx, store.AttemptsKey(l.scope, ip)),
		l.store.Del(ctx, store.LockoutKey(l.scope, ip)),
	)
}

// ClientIP returns the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	for _, h := range []string{"X-Real-Ip", "Cf-Connecting-Ip"} {
		if ip := strings.TrimSpace(r.Header.Get(h)); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
