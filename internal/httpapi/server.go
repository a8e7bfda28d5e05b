// Package httpapi serves the JSON API used by the web client, the inbound
// mail webhook and the admin console.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/shineum/vaultmail/internal/auth"
	"github.com/shineum/vaultmail/internal/domainexp"
	"github.com/shineum/vaultmail/internal/inbox"
	"github.com/shineum/vaultmail/internal/settings"
)

const (
	AdminCookie    = "vaultmail_admin_session"
	HomepageCookie = "vaultmail_homepage_auth"

	// DefaultMaxBodyBytes caps request bodies, webhook uploads included.
	DefaultMaxBodyBytes = 32 << 20

	cronSecretHeader = "X-Cron-Secret"
)

// Services are the collaborators behind the routes.
type Services struct {
	Inbox           *inbox.Service
	Settings        *settings.Service
	Sessions        *auth.Sessions
	Homepage        *auth.Homepage
	AdminLimiter    *auth.Limiter
	HomepageLimiter *auth.Limiter
	Domains         *domainexp.Checker
}

// Config holds the HTTP-level settings.
type Config struct {
	// AllowedOrigins enables CORS for these origins. Empty disables CORS.
	AllowedOrigins []string
	// CronSecret, when set, must be sent in the X-Cron-Secret header of
	// cron calls.
	CronSecret   string
	CookieSecure bool
	MaxBodyBytes int64
}

// Server routes API requests to the services.
type Server struct {
	svc Services
	cfg Config
}

// New creates a Server.
func New(svc Services, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{svc: svc, cfg: cfg}
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		slog.Error("panic serving request", "method", r.Method, "path", r.URL.Path, "panic", v)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}

	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)

	router.HandlerFunc(http.MethodPost, "/api/webhook", s.handleWebhook)
	router.HandlerFunc(http.MethodGet, "/api/inbox", s.handleInbox)
	router.HandlerFunc(http.MethodGet, "/api/download", s.handleDownload)
	router.HandlerFunc(http.MethodGet, "/api/settings", s.handleGetAddressSettings)
	router.HandlerFunc(http.MethodPost, "/api/settings", s.handleUpdateAddressSettings)

	router.HandlerFunc(http.MethodGet, "/api/retention", s.handleRetention)
	router.HandlerFunc(http.MethodGet, "/api/branding", s.handleBranding)
	router.HandlerFunc(http.MethodGet, "/api/domains", s.handleDomains)
	router.HandlerFunc(http.MethodPost, "/api/homepage-auth", s.handleHomepageAuth)
	router.HandlerFunc(http.MethodGet, "/api/homepage-lock", s.handleHomepageLockStatus)
	router.HandlerFunc(http.MethodGet, "/api/domain-expiration", s.handleDomainExpiration)
	router.HandlerFunc(http.MethodGet, "/api/cron/domain-expiration", s.handleCronDomainExpiration)

	router.HandlerFunc(http.MethodPost, "/api/admin/auth", s.handleAdminLogin)
	router.HandlerFunc(http.MethodDelete, "/api/admin/auth", s.handleAdminLogout)
	router.HandlerFunc(http.MethodGet, "/api/admin/stats", s.admin(s.handleAdminStats))
	router.HandlerFunc(http.MethodGet, "/api/admin/retention", s.admin(s.handleAdminRetention))
	router.HandlerFunc(http.MethodPost, "/api/admin/retention", s.admin(s.handleAdminSetRetention))
	router.HandlerFunc(http.MethodGet, "/api/admin/telegram", s.admin(s.handleAdminTelegram))
	router.HandlerFunc(http.MethodPost, "/api/admin/telegram", s.admin(s.handleAdminSetTelegram))
	router.HandlerFunc(http.MethodGet, "/api/admin/branding", s.admin(s.handleAdminBranding))
	router.HandlerFunc(http.MethodPost, "/api/admin/branding", s.admin(s.handleAdminSetBranding))
	router.HandlerFunc(http.MethodGet, "/api/admin/domains", s.admin(s.handleAdminDomains))
	router.HandlerFunc(http.MethodPost, "/api/admin/domains", s.admin(s.handleAdminSetDomains))
	router.HandlerFunc(http.MethodGet, "/api/admin/homepage-lock", s.admin(s.handleAdminHomepageLock))
	router.HandlerFunc(http.MethodPost, "/api/admin/homepage-lock", s.admin(s.handleAdminSetHomepageLock))

	var h http.Handler = router
	if len(s.cfg.AllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Content-Type", cronSecretHeader},
			AllowCredentials: true,
		}).Handler(h)
	}
	return accessLog(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"client_ip", auth.ClientIP(r),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeText answers with a bare text body, as the web client expects for
// 401 and 415.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

func logRequestError(r *http.Request, msg string, err error) {
	slog.Warn(msg, "method", r.Method, "path", r.URL.Path, "error", err)
}

// decodeJSON reads a JSON body into v, answering 400 or 413 itself when it
// cannot.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
