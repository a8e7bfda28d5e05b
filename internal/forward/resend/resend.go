// Package resend implements a Forwarder backed by the Resend HTTP API.
package resend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

// DefaultEndpoint is the Resend send-email URL.
const DefaultEndpoint = "https://api.resend.com/emails"

type attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

type sendRequest struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []attachment      `json:"attachments,omitempty"`
}

// Forwarder posts forwarded copies to Resend.
type Forwarder struct {
	apiKey     string
	sender     string
	endpoint   string
	httpClient *http.Client
	retry      forward.RetryPolicy
}

// New creates a Forwarder authenticating with apiKey.
func New(apiKey, sender string) *Forwarder {
	return NewWithEndpoint(apiKey, sender, DefaultEndpoint, &http.Client{Timeout: 30 * time.Second})
}

// NewWithEndpoint points the Forwarder at another URL, used for testing.
func NewWithEndpoint(apiKey, sender, endpoint string, client *http.Client) *Forwarder {
	return &Forwarder{
		apiKey:     apiKey,
		sender:     sender,
		endpoint:   endpoint,
		httpClient: client,
		retry:      forward.DefaultRetry,
	}
}

// Forward sends msg to to. 429 and 5xx answers are retried.
func (f *Forwarder) Forward(ctx context.Context, to string, msg *email.Email) error {
	out := forward.Outgoing(f.sender, to, msg)

	req := sendRequest{
		From:    out.From,
		To:      out.To,
		Subject: out.Subject,
		Text:    out.TextBody,
		HTML:    out.HtmlBody,
	}
	if v := out.RawHeaders[forward.HeaderForwardedFrom]; len(v) > 0 {
		req.Headers = map[string]string{forward.HeaderForwardedFrom: v[0]}
	}
	for _, att := range out.Attachments {
		req.Attachments = append(req.Attachments, attachment{
			Filename:    att.Filename,
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			ContentType: att.ContentType,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	return f.retry.Do(ctx, "resend", func(ctx context.Context) error {
		return f.post(ctx, body)
	})
}

// Name returns the provider name.
func (f *Forwarder) Name() string {
	return "resend"
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return forward.Retryable(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("Resend API error (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(text))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		re := &forward.RetryableError{Err: err}
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			re.After = time.Duration(secs) * time.Second
		}
		return re
	case resp.StatusCode >= 500:
		return forward.Retryable(err)
	default:
		return err
	}
}
