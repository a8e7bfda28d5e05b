package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/inbox"
)

const (
	// drainTimeout bounds how long Serve waits for open sessions after
	// the listener closes.
	drainTimeout = 30 * time.Second

	DefaultMaxMessageSize = 25 * 1024 * 1024
	DefaultMaxConnections = 100
)

// Deliverer stores a message for one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, m inbox.Message) (email.Record, error)
}

// DomainChecker decides which recipient domains are local.
type DomainChecker interface {
	AcceptsDomain(ctx context.Context, domain string) (bool, error)
}

// ServerConfig configures the listener and every session it starts.
type ServerConfig struct {
	ListenAddr string
	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	Deliverer Deliverer
	Domains   DomainChecker

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AUTH is offered only when both are set.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64
	// MaxConnections caps concurrent sessions. Extra clients get 421.
	MaxConnections int64
}

// Server accepts SMTP connections and runs a Session for each.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	slots  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	sessions sync.WaitGroup
}

// New creates a Server, filling in defaults for zero values.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		slots:  semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("smtp listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Open sessions
// are told the service is shutting down at their next command and given
// drainTimeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"max_connections", s.config.MaxConnections,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return nil
			}
			slog.Error("accept error", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			slog.Warn("rejecting SMTP connection, server busy", "remote", conn.RemoteAddr().String())
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(conn, "421 %s Too many connections, try again later\r\n", s.config.Hostname)
			conn.Close()
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.slots.Release(1)
			NewSession(conn, s.auth, s.config).Handle(ctx)
		}()
	}
}

func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all SMTP sessions completed")
	case <-time.After(drainTimeout):
		slog.Warn("SMTP drain timeout reached, abandoning open sessions")
	}
}

// Addr returns the listener address, or "" before Serve starts.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
