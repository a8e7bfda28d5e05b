package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/vaultmail/internal/auth"
	"github.com/shineum/vaultmail/internal/config"
	"github.com/shineum/vaultmail/internal/domainexp"
	"github.com/shineum/vaultmail/internal/httpapi"
	"github.com/shineum/vaultmail/internal/inbox"
	"github.com/shineum/vaultmail/internal/notify"
	"github.com/shineum/vaultmail/internal/smtp"
	"github.com/shineum/vaultmail/internal/store"
	smtptls "github.com/shineum/vaultmail/internal/tls"
)

const (
	shutdownTimeout = 10 * time.Second
	outboundTimeout = 15 * time.Second
)

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	st, sweeper, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	fwd, err := selectForwarder(ctx, cfg)
	if err != nil {
		return err
	}

	outbound := &http.Client{Timeout: outboundTimeout}
	svc := newSettings(cfg, st)
	mail := inbox.New(st, svc, inbox.Options{
		Forwarder:          fwd,
		Notifier:           notify.NewTelegram(svc, cfg.Telegram.APIURL, outbound),
		AttachmentMaxBytes: cfg.Mail.AttachmentMaxBytes,
	})

	api := httpapi.New(httpapi.Services{
		Inbox:           mail,
		Settings:        svc,
		Sessions:        auth.NewSessions(st, cfg.Admin.Password),
		Homepage:        auth.NewHomepage(svc),
		AdminLimiter:    auth.NewLimiter(st, auth.ScopeAdmin),
		HomepageLimiter: auth.NewLimiter(st, auth.ScopeHomepage),
		Domains:         domainexp.New(st, cfg.Whois.LookupURL, outbound),
	}, httpapi.Config{
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		CronSecret:     cfg.Admin.CronSecret,
		CookieSecure:   cfg.Admin.CookieSecure,
	})

	slog.Info("starting vaultmail",
		"http_listen", cfg.HTTP.Listen,
		"smtp_enabled", cfg.SMTP.Enabled,
		"storage", cfg.Storage.Backend,
		"forward_provider", cfg.Forward.Provider,
		"admin_enabled", cfg.Admin.Password != "",
	)

	var smtpServer *smtp.Server
	if cfg.SMTP.Enabled {
		smtpServer, err = newSMTPServer(cfg, mail, svc)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTP(gctx, cfg.HTTP.Listen, api.Handler())
	})

	if smtpServer != nil {
		g.Go(func() error {
			return smtpServer.ListenAndServe(gctx)
		})
	}

	if sweeper != nil {
		g.Go(func() error {
			store.RunSweeper(gctx, sweeper, cfg.Storage.SweepInterval)
			return nil
		})
	}

	err = g.Wait()
	// The store closes on return; let pending forwards finish first.
	mail.Wait()
	if err != nil {
		return err
	}
	slog.Info("vaultmail stopped")
	return nil
}

// runHTTP serves handler until ctx is cancelled, then drains in-flight
// requests.
func runHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newSMTPServer builds the SMTP listener. STARTTLS uses the configured key
// pair or a self-signed certificate for the SMTP hostname.
func newSMTPServer(cfg *config.Config, mail *inbox.Service, domains smtp.DomainChecker) (*smtp.Server, error) {
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return nil, fmt.Errorf("setting up TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}
	slog.Info("SMTP intake enabled",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	return smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Deliverer:      mail,
		Domains:        domains,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
	}), nil
}
