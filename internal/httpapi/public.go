package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/shineum/vaultmail/internal/auth"
)

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	ret, err := s.svc.Settings.Retention(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleBranding(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Settings.Branding(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"appName": b.AppName})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.svc.Settings.Domains(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": domains})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleHomepageAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := auth.ClientIP(r)

	blocked, err := s.svc.HomepageLimiter.Blocked(ctx, ip)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if blocked {
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Try again later.")
		return
	}

	var req passwordRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	value, err := s.svc.Homepage.Unlock(ctx, req.Password)
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, "Homepage lock is not enabled.")
	case errors.Is(err, auth.ErrMissingPassword):
		writeError(w, http.StatusBadRequest, "Password is required.")
	case errors.Is(err, auth.ErrInvalidPassword):
		s.rejectPassword(w, r, s.svc.HomepageLimiter, ip, func() {
			writeError(w, http.StatusUnauthorized, "Invalid password.")
		})
	case err != nil:
		writeInternal(w, r, err)
	default:
		if err := s.svc.HomepageLimiter.Reset(ctx, ip); err != nil {
			logRequestError(r, "resetting login attempts", err)
		}
		s.setCookie(w, HomepageCookie, value, auth.SessionTTL)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// rejectPassword counts a failed login and answers 429 once ip is locked
// out, or with deny otherwise.
func (s *Server) rejectPassword(w http.ResponseWriter, r *http.Request, l *auth.Limiter, ip string, deny func()) {
	locked, err := l.Fail(r.Context(), ip)
	if err != nil {
		logRequestError(r, "recording failed login", err)
	}
	if locked {
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Try again later.")
		return
	}
	deny()
}

func (s *Server) handleHomepageLockStatus(w http.ResponseWriter, r *http.Request) {
	lock, err := s.svc.Settings.HomepageLock(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	authorized, err := s.svc.Homepage.Authorized(r.Context(), cookieValue(r, HomepageCookie))
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": lock.Enabled, "authorized": authorized})
}

func (s *Server) handleDomainExpiration(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("domain")))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "Domain required")
		return
	}
	rec, err := s.svc.Domains.Get(r.Context(), domain)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCronDomainExpiration(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret != "" {
		got := r.Header.Get(cronSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CronSecret)) != 1 {
			writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	domains, err := s.svc.Settings.Domains(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	records, err := s.svc.Domains.RefreshAll(r.Context(), domains)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(records), "domains": records})
}
