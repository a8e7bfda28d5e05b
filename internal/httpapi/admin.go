package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shineum/vaultmail/internal/auth"
	"github.com/shineum/vaultmail/internal/settings"
)

// admin rejects requests without a live admin session.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.svc.Sessions.Valid(r.Context(), cookieValue(r, AdminCookie))
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		if !ok {
			writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := auth.ClientIP(r)

	blocked, err := s.svc.AdminLimiter.Blocked(ctx, ip)
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

	token, err := s.svc.Sessions.Login(ctx, req.Password)
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		writeText(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, auth.ErrInvalidPassword):
		s.rejectPassword(w, r, s.svc.AdminLimiter, ip, func() {
			writeText(w, http.StatusUnauthorized, "Unauthorized")
		})
	case err != nil:
		writeInternal(w, r, err)
	default:
		if err := s.svc.AdminLimiter.Reset(ctx, ip); err != nil {
			logRequestError(r, "resetting login attempts", err)
		}
		s.setCookie(w, AdminCookie, token, auth.SessionTTL)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Sessions.Logout(r.Context(), cookieValue(r, AdminCookie)); err != nil {
		writeInternal(w, r, err)
		return
	}
	s.setCookie(w, AdminCookie, "", -time.Second)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Inbox.Stats(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminRetention(w http.ResponseWriter, r *http.Request) {
	s.handleRetention(w, r)
}

func (s *Server) handleAdminSetRetention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds json.RawMessage `json:"seconds"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	seconds, ok, err := parseSeconds(req.Seconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid retention")
		return
	}
	if !ok || seconds == 0 {
		writeError(w, http.StatusBadRequest, "Missing fields")
		return
	}

	ret, err := s.svc.Settings.SetRetention(r.Context(), seconds)
	if errors.Is(err, settings.ErrInvalidRetention) {
		writeError(w, http.StatusBadRequest, "Invalid retention")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleAdminTelegram(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Settings.Telegram(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminSetTelegram(w http.ResponseWriter, r *http.Request) {
	var req settings.Telegram
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.Settings.SetTelegram(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminBranding(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Settings.Branding(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAdminSetBranding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppName string `json:"appName"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	b, err := s.svc.Settings.SetBranding(r.Context(), req.AppName)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAdminDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.svc.Settings.StoredDomains(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": domains})
}

func (s *Server) handleAdminSetDomains(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domains []string `json:"domains"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	domains, err := s.svc.Settings.SetDomains(r.Context(), req.Domains)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": domains})
}

type homepageLockResponse struct {
	Enabled     bool   `json:"enabled"`
	HasPassword bool   `json:"hasPassword"`
	UpdatedAt   string `json:"updatedAt"`
}

func newHomepageLockResponse(l settings.HomepageLock) homepageLockResponse {
	return homepageLockResponse{
		Enabled:     l.Enabled,
		HasPassword: l.PasswordHash != "",
		UpdatedAt:   l.UpdatedAt,
	}
}

func (s *Server) handleAdminHomepageLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Settings.HomepageLock(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHomepageLockResponse(l))
}

func (s *Server) handleAdminSetHomepageLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled  bool   `json:"enabled"`
		Password string `json:"password"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	l, err := s.svc.Settings.SetHomepageLock(r.Context(), req.Enabled, req.Password)
	if errors.Is(err, settings.ErrPasswordRequired) {
		writeError(w, http.StatusBadRequest, "Password is required when enabling the lock.")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHomepageLockResponse(l))
}
