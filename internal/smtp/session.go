package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/inbox"
	"github.com/shineum/vaultmail/internal/parser"
)

const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout closes sessions that stay silent for too long.
const idleTimeout = 60 * time.Second

// maxRecipients limits RCPT TO commands per transaction (RFC 5321 4.5.3.1.8).
const maxRecipients = 100

var errMessageTooLarge = errors.New("message exceeds maximum size")

// Session is one client connection running the SMTP state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	auth   *Authenticator
	config ServerConfig

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn. cfg.Deliverer and cfg.Domains
// must be set.
func NewSession(conn net.Conn, auth *Authenticator, cfg ServerConfig) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		auth:   auth,
		config: cfg,
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.reply("220 %s ESMTP vaultmail", s.config.Hostname)

	for {
		if ctx.Err() != nil {
			s.reply("421 Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if quit := s.dispatch(ctx, cmd, arg); quit {
			return
		}
	}
}

// dispatch runs one command and reports whether the session is over.
func (s *Session) dispatch(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.greet(cmd, arg)
	case "STARTTLS":
		s.startTLS()
	case "AUTH":
		s.authenticate(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(ctx, arg)
	case "DATA":
		s.data(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

func (s *Session) greet(cmd, arg string) {
	if arg == "" {
		s.reply("501 Syntax: %s hostname", cmd)
		return
	}
	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.reply("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	s.reply("250-%s Hello %s", s.config.Hostname, arg)
	if s.config.TLSConfig != nil && !s.tlsActive {
		s.reply("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.reply("250-AUTH PLAIN LOGIN")
	}
	s.reply("250-8BITMIME")
	s.reply("250-SIZE %d", s.config.MaxMessageSize)
	s.reply("250 OK")
}

func (s *Session) startTLS() {
	switch {
	case s.config.TLSConfig == nil:
		s.reply("454 TLS not available")
		return
	case s.tlsActive:
		s.reply("454 TLS already active")
		return
	}

	s.reply("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) authenticate(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.reply("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.reply("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply("501 Authentication cancelled")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case err != nil:
		s.reply("535 Authentication failed")
	default:
		s.state = stateAuthOK
		s.reply("235 Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

func (s *Session) authPlain(initial string) error {
	if initial == "" {
		s.reply("334")
		line, err := s.readAuthLine()
		if err != nil {
			return err
		}
		initial = line
	}
	return s.auth.VerifyPlain(initial)
}

func (s *Session) authLogin() error {
	s.reply("334 VXNlcm5hbWU6") // "Username:"
	user, err := s.readAuthLine()
	if err != nil {
		return err
	}
	s.reply("334 UGFzc3dvcmQ6") // "Password:"
	pass, err := s.readAuthLine()
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

// readAuthLine reads one client answer during an AUTH exchange.
func (s *Session) readAuthLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) mail(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.reply("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply("503 Nested MAIL command")
		return
	}

	path, ok := cutVerb(arg, "FROM:")
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}
	// The null reverse-path "<>" is valid for bounces.
	addr := extractAddress(path)
	if addr == "" && !strings.HasPrefix(strings.TrimSpace(path), "<>") {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("250 OK")
}

func (s *Session) rcpt(ctx context.Context, arg string) {
	if s.state < stateMailFrom {
		s.reply("503 Send MAIL FROM first")
		return
	}

	path, ok := cutVerb(arg, "TO:")
	if !ok {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}
	addr, ok := email.ExtractAddress(extractAddress(path))
	if !ok {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.reply("452 Too many recipients")
		return
	}

	accepted, err := s.config.Domains.AcceptsDomain(ctx, email.Domain(addr))
	if err != nil {
		slog.Error("recipient domain check failed", "rcpt", addr, "error", err)
		s.reply("451 Temporary failure, please try again later")
		return
	}
	if !accepted {
		s.reply("550 No such user here")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("250 OK")
}

func (s *Session) data(ctx context.Context) {
	if s.state < stateRcptTo {
		s.reply("503 Send RCPT TO first")
		return
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.reply("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.reply("554 Failed to process message")
		s.resetTransaction()
		return
	}

	var failed int
	for _, rcpt := range s.rcptTo {
		_, err := s.config.Deliverer.Deliver(ctx, inbox.FromEmail(msg, s.mailFrom, rcpt))
		if err != nil {
			slog.Error("delivery failed", "rcpt", rcpt, "error", err)
			failed++
		}
	}

	if failed > 0 {
		s.reply("451 Temporary failure, please try again later")
	} else {
		s.reply("250 OK message accepted")
	}
	s.resetTransaction()
}

// readData reads the message up to the lone "." line, undoing dot
// stuffing. Oversized messages are drained and rejected.
func (s *Session) readData() ([]byte, error) {
	var buf strings.Builder
	tooLarge := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.config.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
	if tooLarge {
		return nil, errMessageTooLarge
	}
	return []byte(buf.String()), nil
}

// resetTransaction clears the envelope but keeps the greeting and
// authentication.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	switch {
	case s.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) reply(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and the
// argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// cutVerb strips a case-insensitive "FROM:" or "TO:" prefix.
func cutVerb(arg, verb string) (string, bool) {
	if len(arg) < len(verb) || !strings.EqualFold(arg[:len(verb)], verb) {
		return "", false
	}
	return arg[len(verb):], true
}

// extractAddress returns the address of an SMTP path, with or without
// angle brackets. ESMTP parameters after the path are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}
