package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

func setup(t *testing.T, tg settings.Telegram) (*Telegram, *atomic.Int32, *sendMessageRequest) {
	t.Helper()

	var calls atomic.Int32
	var last sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("path: got %q, want %q", r.URL.Path, "/bot123:abc/sendMessage")
		}
		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	svc := settings.New(store.NewMemory(), settings.Defaults{})
	if _, err := svc.SetTelegram(context.Background(), tg); err != nil {
		t.Fatalf("SetTelegram: %v", err)
	}
	return NewTelegram(svc, srv.URL+"/", srv.Client()), &calls, &last
}

func TestNotify_Sends(t *testing.T) {
	n, calls, last := setup(t, settings.Telegram{Enabled: true, BotToken: "123:abc", ChatID: "42"})

	err := n.Notify(context.Background(), Notification{
		From:    `"Alice" <alice@example.com>`,
		To:      "box@ysweb.biz.id",
		Subject: "Hi",
		Text:    "hello there",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
	if last.ChatID != "42" {
		t.Errorf("chat_id: got %q, want %q", last.ChatID, "42")
	}
	if !last.DisableWebPagePreview {
		t.Error("disable_web_page_preview should be true")
	}
	want := "📬 New Inbox Message\nFrom: Alice <alice@example.com>\nTo: box@ysweb.biz.id\nSubject: Hi\n\nhello there"
	if last.Text != want {
		t.Errorf("text: got %q, want %q", last.Text, want)
	}
}

func TestNotify_Skips(t *testing.T) {
	tests := []struct {
		name string
		tg   settings.Telegram
		to   string
	}{
		{"disabled", settings.Telegram{BotToken: "123:abc", ChatID: "42"}, "box@ysweb.biz.id"},
		{"missing chat", settings.Telegram{Enabled: true, BotToken: "123:abc"}, "box@ysweb.biz.id"},
		{"domain not allowed", settings.Telegram{Enabled: true, BotToken: "123:abc", ChatID: "42", AllowedDomains: []string{"other.test"}}, "box@ysweb.biz.id"},
		{"no recipient address", settings.Telegram{Enabled: true, BotToken: "123:abc", ChatID: "42", AllowedDomains: []string{"ysweb.biz.id"}}, "undisclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, calls, _ := setup(t, tt.tg)
			if err := n.Notify(context.Background(), Notification{To: tt.to}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := calls.Load(); got != 0 {
				t.Errorf("calls: got %d, want 0", got)
			}
		})
	}
}

func TestNotify_AllowedDomain(t *testing.T) {
	n, calls, _ := setup(t, settings.Telegram{Enabled: true, BotToken: "123:abc", ChatID: "42", AllowedDomains: []string{"ysweb.biz.id"}})
	if err := n.Notify(context.Background(), Notification{To: "Box <BOX@YSWEB.BIZ.ID>"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestNotify_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := settings.New(store.NewMemory(), settings.Defaults{})
	svc.SetTelegram(context.Background(), settings.Telegram{Enabled: true, BotToken: "t", ChatID: "c"})

	err := NewTelegram(svc, srv.URL, srv.Client()).Notify(context.Background(), Notification{To: "a@b.test"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("expected HTTP 400 error, got %v", err)
	}
}

func TestFormat_Truncates(t *testing.T) {
	t.Parallel()

	text := Format(Notification{Text: strings.Repeat("é", 5000)})
	if got := utf8.RuneCountInString(text); got != MessageLimit {
		t.Errorf("length: got %d, want %d", got, MessageLimit)
	}
	if !utf8.ValidString(text) {
		t.Error("truncated text is not valid UTF-8")
	}
}
