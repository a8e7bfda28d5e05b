// Package forward defines how received mail is re-sent to a mailbox
// owner's own address through an outbound provider.
package forward

import (
	"context"

	"github.com/shineum/vaultmail/internal/email"
)

// HeaderForwardedFrom carries the original sender on forwarded copies.
const HeaderForwardedFrom = "X-Forwarded-From"

// Forwarder is the interface outbound providers implement.
type Forwarder interface {
	// Forward sends msg to the single address to. It returns an error if
	// the provider did not accept the message.
	Forward(ctx context.Context, to string, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Outgoing builds the copy of msg that is actually sent: it comes from
// sender, goes only to to, and records the original sender in
// HeaderForwardedFrom. Cc and Bcc are dropped.
func Outgoing(sender, to string, msg *email.Email) *email.Email {
	out := &email.Email{
		From:        sender,
		To:          []string{to},
		Subject:     msg.Subject,
		TextBody:    msg.TextBody,
		HtmlBody:    msg.HtmlBody,
		Attachments: msg.Attachments,
		RawHeaders:  map[string][]string{},
	}
	if msg.From != "" {
		out.RawHeaders[HeaderForwardedFrom] = []string{msg.From}
	}
	return out
}
