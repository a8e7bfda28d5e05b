// Package graph implements a Forwarder that sends mail through the
// Microsoft Graph sendMail API with client-credentials authentication.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

// Config holds the configuration for creating a Forwarder.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Forwarder sends forwarded copies from the sender's Graph mailbox.
type Forwarder struct {
	sender     string
	sendURL    string
	httpClient *http.Client
	token      *tokenCache
	retry      forward.RetryPolicy
}

// New creates a Forwarder for the Azure AD tenant in cfg.
func New(cfg Config) *Forwarder {
	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender)),
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		client,
	)
}

// newWithOverrides points the Forwarder at test servers.
func newWithOverrides(cfg Config, sendURL, tokenURL string, client *http.Client) *Forwarder {
	return &Forwarder{
		sender:     cfg.Sender,
		sendURL:    sendURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retry:      forward.DefaultRetry,
	}
}

// Forward sends msg to to. A 401 triggers one token refresh; 429 honours
// Retry-After; 5xx and network errors back off and retry.
func (f *Forwarder) Forward(ctx context.Context, to string, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(forward.Outgoing(f.sender, to, msg)))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	refreshed := false
	return f.retry.Do(ctx, "graph", func(ctx context.Context) error {
		err := f.post(ctx, bodyJSON)
		if se, ok := err.(*sendError); ok && se.statusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			f.token.Invalidate()
			err = f.post(ctx, bodyJSON)
		}
		return classify(err)
	})
}

// Name returns the provider name.
func (f *Forwarder) Name() string {
	return "msgraph"
}

func (f *Forwarder) post(ctx context.Context, bodyJSON []byte) error {
	token, err := f.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return forward.Retryable(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	se := &sendError{statusCode: resp.StatusCode, message: string(body), retryAfter: resp.Header.Get("Retry-After")}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		se.message = er.Error.Message
	}
	return se
}

// sendError is a non-2xx answer from the sendMail endpoint.
type sendError struct {
	statusCode int
	message    string
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classify decides whether err deserves another attempt.
func classify(err error) error {
	se, ok := err.(*sendError)
	if !ok {
		return err
	}
	switch {
	case se.statusCode == http.StatusTooManyRequests:
		re := &forward.RetryableError{Err: se}
		if secs, perr := strconv.Atoi(se.retryAfter); perr == nil && secs > 0 {
			re.After = time.Duration(secs) * time.Second
		}
		return re
	case se.statusCode >= 500:
		return forward.Retryable(se)
	default:
		return se
	}
}
