package inbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shineum/vaultmail/internal/email"
)

var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrAttachmentOmitted  = errors.New("attachment too large to download")
)

// Download is a file served to the browser.
type Download struct {
	Filename    string
	ContentType string
	Content     []byte
}

var unsafeFilenameChars = regexp.MustCompile(`(?i)[^a-z0-9\-_.]+`)

// SanitizeFilename reduces name to a short, header-safe file name.
func SanitizeFilename(name, fallback string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, "_")
	if len(safe) > 60 {
		safe = safe[:60]
	}
	if safe == "" {
		return fallback
	}
	return safe
}

// EmailFile renders message id as an .eml file, stored attachments
// included.
func (s *Service) EmailFile(ctx context.Context, address, id string) (Download, error) {
	rec, err := s.Find(ctx, address, id)
	if err != nil {
		return Download{}, err
	}

	msg := &email.Email{
		From:     rec.From,
		Subject:  rec.Subject,
		TextBody: rec.Text,
		HtmlBody: rec.HTML,
	}
	if rec.To != "" {
		msg.To = []string{rec.To}
	}
	if t, err := time.Parse(time.RFC3339Nano, rec.ReceivedAt); err == nil {
		msg.Date = t.UTC()
	}
	// The HTML copy falls back to the text body, so do not duplicate it.
	if msg.HtmlBody == msg.TextBody {
		msg.HtmlBody = ""
	}
	for _, att := range rec.Attachments {
		content, err := att.Content()
		if err != nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     content,
		})
	}

	raw, err := msg.Render()
	if err != nil {
		return Download{}, fmt.Errorf("rendering message: %w", err)
	}

	subject := rec.Subject
	if subject == "" {
		subject = "email"
	}
	return Download{
		Filename:    SanitizeFilename(subject, "email") + ".eml",
		ContentType: "message/rfc822",
		Content:     raw,
	}, nil
}

// AttachmentFile returns attachment index of message id.
func (s *Service) AttachmentFile(ctx context.Context, address, id string, index int) (Download, error) {
	rec, err := s.Find(ctx, address, id)
	if err != nil {
		return Download{}, err
	}
	if index < 0 || index >= len(rec.Attachments) {
		return Download{}, ErrAttachmentNotFound
	}

	att := rec.Attachments[index]
	if att.Omitted {
		return Download{}, ErrAttachmentOmitted
	}
	if att.ContentBase64 == "" {
		return Download{}, ErrAttachmentNotFound
	}
	content, err := att.Content()
	if err != nil {
		return Download{}, err
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	return Download{
		Filename:    SanitizeFilename(filename, "attachment"),
		ContentType: contentType,
		Content:     content,
	}, nil
}
