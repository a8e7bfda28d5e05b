// Package inbox stores received mail in per-address lists and serves it
// back to the API.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
	"github.com/shineum/vaultmail/internal/notify"
	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

// NoSubject replaces an empty subject.
const NoSubject = "(No Subject)"

// DefaultSideEffectTimeout bounds the background work of one delivery.
const DefaultSideEffectTimeout = 2 * time.Minute

// receivedAtLayout matches JavaScript's Date.toISOString.
const receivedAtLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrMissingParameters = errors.New("missing parameters")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrNotFound          = errors.New("email not found")
)

// Notifier is told about every delivered message.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Message is one inbound message addressed to a single recipient.
type Message struct {
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []email.Attachment
}

// FromEmail builds the Message delivered to rcpt from a parsed email. The
// From header wins over the envelope sender when present.
func FromEmail(msg *email.Email, envelopeFrom, rcpt string) Message {
	from := msg.From
	if from == "" {
		from = envelopeFrom
	}
	return Message{
		From:        from,
		To:          rcpt,
		Subject:     msg.Subject,
		Text:        msg.TextBody,
		HTML:        msg.HtmlBody,
		Attachments: msg.Attachments,
	}
}

// Options configures optional collaborators of a Service.
type Options struct {
	// Forwarder re-sends mail for addresses with a forwardTo setting.
	// Nil disables forwarding.
	Forwarder forward.Forwarder
	// Notifier may be nil.
	Notifier Notifier
	// AttachmentMaxBytes caps stored attachment content. Zero keeps
	// everything.
	AttachmentMaxBytes int64
	// SideEffectTimeout bounds forwarding plus notification of one
	// message. Zero means DefaultSideEffectTimeout.
	SideEffectTimeout time.Duration
}

// Service delivers and reads inbox messages.
type Service struct {
	store    store.Store
	settings *settings.Service
	opts     Options

	background sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New creates a Service.
func New(s store.Store, svc *settings.Service, opts Options) *Service {
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = DefaultSideEffectTimeout
	}
	return &Service{
		store:    s,
		settings: svc,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Deliver stores m in the recipient's inbox and refreshes the inbox TTL.
// Forwarding and notification run in the background once the message is
// stored, bounded by Options.SideEffectTimeout; their failures are only
// logged.
func (s *Service) Deliver(ctx context.Context, m Message) (email.Record, error) {
	if strings.TrimSpace(m.From) == "" || strings.TrimSpace(m.To) == "" {
		return email.Record{}, ErrMissingParameters
	}
	addr, ok := email.ExtractAddress(m.To)
	if !ok {
		return email.Record{}, ErrInvalidRecipient
	}

	subject := m.Subject
	if subject == "" {
		subject = NoSubject
	}
	html := m.HTML
	if html == "" {
		html = m.Text
	}

	rec := email.Record{
		ID:         s.newID(),
		From:       m.From,
		To:         m.To,
		Subject:    subject,
		Text:       m.Text,
		HTML:       html,
		ReceivedAt: s.now().UTC().Format(receivedAtLayout),
	}
	for _, att := range m.Attachments {
		rec.Attachments = append(rec.Attachments, email.NewAttachmentRecord(att, s.opts.AttachmentMaxBytes))
	}

	addrSettings, err := s.AddressSettings(ctx, addr)
	if err != nil {
		return email.Record{}, err
	}
	retention := addrSettings.RetentionSeconds
	if retention <= 0 {
		global, err := s.settings.Retention(ctx)
		if err != nil {
			return email.Record{}, err
		}
		retention = global.Seconds
	}

	key := store.InboxKey(addr)
	if err := store.PushJSON(ctx, s.store, key, rec); err != nil {
		return email.Record{}, fmt.Errorf("storing message: %w", err)
	}
	if err := s.store.Expire(ctx, key, settings.RetentionTTL(retention)); err != nil {
		return email.Record{}, fmt.Errorf("setting inbox retention: %w", err)
	}

	slog.Info("message delivered",
		"id", rec.ID,
		"to", addr,
		"attachments", len(rec.Attachments),
		"retention_seconds", retention,
	)

	if addrSettings.ForwardTo != "" || s.opts.Notifier != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SideEffectTimeout)
			defer cancel()
			s.sideEffects(ctx, rec.ID, addrSettings.ForwardTo, m, subject, html)
		}()
	}

	return rec, nil
}

// Wait blocks until forwarding and notification started by earlier
// deliveries have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) sideEffects(ctx context.Context, id, forwardTo string, m Message, subject, html string) {
	if forwardTo != "" {
		s.forward(ctx, forwardTo, m, subject, html)
	}
	if s.opts.Notifier == nil {
		return
	}
	err := s.opts.Notifier.Notify(ctx, notify.Notification{
		From:    m.From,
		To:      m.To,
		Subject: subject,
		Text:    m.Text,
	})
	if err != nil {
		slog.Warn("notification failed", "id", id, "error", err)
	}
}

func (s *Service) forward(ctx context.Context, to string, m Message, subject, html string) {
	if s.opts.Forwarder == nil {
		slog.Warn("forwarding skipped: no forward provider configured", "forward_to", to)
		return
	}
	msg := &email.Email{
		From:        m.From,
		Subject:     subject,
		TextBody:    m.Text,
		HtmlBody:    html,
		Attachments: m.Attachments,
	}
	if err := s.opts.Forwarder.Forward(ctx, to, msg); err != nil {
		slog.Error("forwarding failed",
			"provider", s.opts.Forwarder.Name(),
			"forward_to", to,
			"error", err,
		)
		return
	}
	slog.Info("message forwarded", "provider", s.opts.Forwarder.Name(), "forward_to", to)
}

// List returns the inbox of address, newest first.
func (s *Service) List(ctx context.Context, address string) ([]email.Record, error) {
	return store.LRangeJSON[email.Record](ctx, s.store, store.InboxKey(address), 0, -1)
}

// Find returns the message id in the inbox of address.
func (s *Service) Find(ctx context.Context, address, id string) (email.Record, error) {
	records, err := s.List(ctx, address)
	if err != nil {
		return email.Record{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return email.Record{}, ErrNotFound
}
