package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/vaultmail/internal/email"
)

func TestForward_BasicEmail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := NewWithWriter("forwarder@ysweb.biz.id", &buf)

	msg := &email.Email{
		From:     "origin@example.com",
		To:       []string{"inbox@ysweb.biz.id"},
		Subject:  "Monthly Report",
		TextBody: "Please find the report attached.",
	}

	if err := f.Forward(context.Background(), "owner@example.com", msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: forwarder@ysweb.biz.id",
		"To: owner@example.com",
		"X-Forwarded-From: origin@example.com",
		"Subject: Monthly Report",
		"Please find the report attached.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be wrapped in separator lines")
	}
}

func TestForward_HTMLFallbackAndAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := NewWithWriter("forwarder@ysweb.biz.id", &buf)

	msg := &email.Email{
		Subject:  "HTML only",
		HtmlBody: "<p>Hi</p>",
		Attachments: []email.Attachment{
			{Filename: "small.txt", Content: make([]byte, 10)},
			{Filename: "big.bin", Content: make([]byte, 2*1024*1024)},
		},
	}
	if err := f.Forward(context.Background(), "owner@example.com", msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "<p>Hi</p>") {
		t.Error("output missing HTML body fallback")
	}
	if !strings.Contains(output, "Attachments: small.txt (10 B), big.bin (2.0 MB)") {
		t.Errorf("unexpected attachments line in:\n%s", output)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestForward_WriteError(t *testing.T) {
	t.Parallel()

	f := NewWithWriter("forwarder@ysweb.biz.id", failingWriter{})
	if err := f.Forward(context.Background(), "owner@example.com", &email.Email{}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.in); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
