// Package notify sends new-mail notifications to Telegram.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/settings"
)

// DefaultAPIURL is the Telegram Bot API base URL.
const DefaultAPIURL = "https://api.telegram.org"

// MessageLimit caps the notification text, in characters.
const MessageLimit = 4000

// Notification describes one received message.
type Notification struct {
	From    string
	To      string
	Subject string
	Text    string
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Telegram posts notifications with the bot configured in settings.
type Telegram struct {
	settings   *settings.Service
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewTelegram creates a Telegram notifier. Sends are limited to one per
// second with a small burst, matching the Bot API per-chat limit.
func NewTelegram(svc *settings.Service, apiURL string, client *http.Client) *Telegram {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		settings:   svc,
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Notify sends n when notifications are enabled and the recipient domain
// is allowed. It returns nil when the notification was skipped.
func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	cfg, err := t.settings.Telegram(ctx)
	if err != nil {
		return fmt.Errorf("loading telegram settings: %w", err)
	}
	if !cfg.Configured() {
		return nil
	}
	if len(cfg.AllowedDomains) > 0 {
		addr, ok := email.ExtractAddress(n.To)
		if !ok || !slices.Contains(cfg.AllowedDomains, email.Domain(addr)) {
			return nil
		}
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  Format(n),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram API error (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	return nil
}

// Format renders the notification text, truncated to MessageLimit.
func Format(n Notification) string {
	text := strings.Join([]string{
		"📬 New Inbox Message",
		"From: " + email.SenderLabel(n.From),
		"To: " + n.To,
		"Subject: " + n.Subject,
		"",
		n.Text,
	}, "\n")

	runes := []rune(text)
	if len(runes) > MessageLimit {
		return string(runes[:MessageLimit])
	}
	return text
}
