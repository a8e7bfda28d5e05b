// Package stdout implements a Forwarder that prints forwarded mail instead
// of sending it. It is meant for development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

const separator = "========================================\n"

// Forwarder writes each forwarded message to a writer.
type Forwarder struct {
	sender string

	mu     sync.Mutex
	writer io.Writer
}

// New creates a Forwarder that writes to os.Stdout.
func New(sender string) *Forwarder {
	return NewWithWriter(sender, os.Stdout)
}

// NewWithWriter creates a Forwarder that writes to w.
func NewWithWriter(sender string, w io.Writer) *Forwarder {
	return &Forwarder{sender: sender, writer: w}
}

// Forward prints the outgoing copy of msg. Write failures are returned.
func (f *Forwarder) Forward(_ context.Context, to string, msg *email.Email) error {
	out := forward.Outgoing(f.sender, to, msg)

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", out.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(out.To, ", "))
	for _, v := range out.RawHeaders[forward.HeaderForwardedFrom] {
		fmt.Fprintf(&b, "%s: %s\n", forward.HeaderForwardedFrom, v)
	}
	fmt.Fprintf(&b, "Subject: %s\n", out.Subject)
	b.WriteString("Body:\n")

	body := out.TextBody
	if body == "" {
		body = out.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(out.Attachments) > 0 {
		names := make([]string, 0, len(out.Attachments))
		for _, att := range out.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString(separator)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := io.WriteString(f.writer, b.String()); err != nil {
		return fmt.Errorf("writing forwarded message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (f *Forwarder) Name() string {
	return "stdout"
}

func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
