package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/auth"
	"github.com/shineum/vaultmail/internal/domainexp"
	"github.com/shineum/vaultmail/internal/inbox"
	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

const (
	testAdminPassword = "s3cret"
	testCronSecret    = "cron-token"
	testDomain        = "vaultmail.test"
)

type testEnv struct {
	handler  http.Handler
	store    store.Store
	settings *settings.Service
	lookups  atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	whois := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.lookups.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"expirationDate":"2030-01-02T00:00:00Z"}}`))
	}))
	t.Cleanup(whois.Close)

	s := store.NewMemory()
	svc := settings.New(s, settings.Defaults{
		RetentionSeconds: settings.DefaultRetentionSeconds,
		AppName:          "VaultMail",
		Domains:          []string{testDomain},
	})

	env.store = s
	env.settings = svc
	env.handler = New(Services{
		Inbox:           inbox.New(s, svc, inbox.Options{AttachmentMaxBytes: 1024}),
		Settings:        svc,
		Sessions:        auth.NewSessions(s, testAdminPassword),
		Homepage:        auth.NewHomepage(svc),
		AdminLimiter:    auth.NewLimiter(s, auth.ScopeAdmin),
		HomepageLimiter: auth.NewLimiter(s, auth.ScopeHomepage),
		Domains:         domainexp.New(s, whois.URL, whois.Client()),
	}, Config{
		AllowedOrigins: []string{"https://app.vaultmail.test"},
		CronSecret:     testCronSecret,
	}).Handler()
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) postJSON(path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return env.do(req)
}

func (env *testEnv) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return env.do(req)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

type inboxResponse struct {
	Emails []struct {
		ID          string `json:"id"`
		From        string `json:"from"`
		To          string `json:"to"`
		Subject     string `json:"subject"`
		Text        string `json:"text"`
		HTML        string `json:"html"`
		Attachments []struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
			Omitted  bool   `json:"omitted"`
		} `json:"attachments"`
	} `json:"emails"`
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWebhookJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON("/api/webhook", map[string]any{
		"from":    "Alice <alice@example.com>",
		"to":      "Box@Vaultmail.test",
		"subject": "Hello",
		"text":    "plain body",
		"attachments": []map[string]string{{
			"filename":      "note.txt",
			"contentType":   "text/plain",
			"contentBase64": base64.StdEncoding.EncodeToString([]byte("hi")),
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody[struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}](t, rec)
	assert.True(t, created.Success)
	assert.NotEmpty(t, created.ID)

	got := decodeBody[inboxResponse](t, env.get("/api/inbox?address=box@vaultmail.test"))
	require.Len(t, got.Emails, 1)
	assert.Equal(t, created.ID, got.Emails[0].ID)
	assert.Equal(t, "Box@Vaultmail.test", got.Emails[0].To, "raw recipient is kept")
	assert.Equal(t, "Hello", got.Emails[0].Subject)
	assert.Equal(t, "plain body", got.Emails[0].HTML)
	require.Len(t, got.Emails[0].Attachments, 1)
	assert.Equal(t, int64(2), got.Emails[0].Attachments[0].Size)
}

func TestWebhookMultipart(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("from", "bob@example.com"))
	require.NoError(t, mw.WriteField("recipient", "box@vaultmail.test"))
	require.NoError(t, mw.WriteField("body-plain", "see attached"))
	fw, err := mw.CreateFormFile("attachment-1", "report.pdf")
	require.NoError(t, err)
	fw.Write([]byte("%PDF-1.4 tiny"))
	fw, err = mw.CreateFormFile("attachment-2", "huge.bin")
	require.NoError(t, err)
	fw.Write(bytes.Repeat([]byte("x"), 2048))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decodeBody[inboxResponse](t, env.get("/api/inbox?address=box@vaultmail.test"))
	require.Len(t, got.Emails, 1)
	msg := got.Emails[0]
	assert.Equal(t, "(No Subject)", msg.Subject)
	assert.Equal(t, "see attached", msg.Text)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.False(t, msg.Attachments[0].Omitted)
	assert.True(t, msg.Attachments[1].Omitted)

	dl := env.get("/api/download?address=box@vaultmail.test&type=attachment&index=0&emailId=" + msg.ID)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "%PDF-1.4 tiny", dl.Body.String())
	assert.Equal(t, `attachment; filename=report.pdf`, dl.Header().Get("Content-Disposition"))

	dl = env.get("/api/download?address=box@vaultmail.test&type=attachment&index=1&emailId=" + msg.ID)
	assert.Equal(t, http.StatusRequestEntityTooLarge, dl.Code)
}

func TestWebhookURLEncoded(t *testing.T) {
	env := newTestEnv(t)

	form := "from=carol%40example.com&to=box%40vaultmail.test&subject=Form&body-html=%3Cb%3Ehi%3C%2Fb%3E"
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decodeBody[inboxResponse](t, env.get("/api/inbox?address=box@vaultmail.test"))
	require.Len(t, got.Emails, 1)
	assert.Equal(t, "<b>hi</b>", got.Emails[0].HTML)
}

func TestWebhookErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing from", map[string]any{"to": "box@vaultmail.test"}, "Missing parameters"},
		{"missing to", map[string]any{"from": "a@example.com"}, "Missing parameters"},
		{"bad recipient", map[string]any{"from": "a@example.com", "to": "nobody"}, "Invalid recipient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON("/api/webhook", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeBody[map[string]string](t, rec)["error"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := env.do(req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "Unsupported Content-Type", rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestInbox(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/api/inbox")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get("/api/inbox?address=empty@vaultmail.test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"emails":[]}`, rec.Body.String())
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.postJSON("/api/webhook", map[string]any{
		"from":    "alice@example.com",
		"to":      "box@vaultmail.test",
		"subject": "Quarterly report",
		"text":    "numbers",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody[map[string]any](t, rec)["id"].(string)

	eml := env.get("/api/download?address=box@vaultmail.test&type=email&emailId=" + id)
	require.Equal(t, http.StatusOK, eml.Code)
	assert.Equal(t, "message/rfc822", eml.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=Quarterly_report.eml", eml.Header().Get("Content-Disposition"))
	assert.Contains(t, eml.Body.String(), "Subject: Quarterly report")

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing parameters", "address=box@vaultmail.test&type=email", http.StatusBadRequest},
		{"unknown email", "address=box@vaultmail.test&type=email&emailId=nope", http.StatusNotFound},
		{"bad type", "address=box@vaultmail.test&type=zip&emailId=" + id, http.StatusBadRequest},
		{"bad index", "address=box@vaultmail.test&type=attachment&index=x&emailId=" + id, http.StatusBadRequest},
		{"no attachment", "address=box@vaultmail.test&type=attachment&index=0&emailId=" + id, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, env.get("/api/download?"+tt.query).Code)
		})
	}
}

func TestAddressSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON("/api/settings", map[string]any{
		"address":          "Box <box@vaultmail.test>",
		"retentionSeconds": "3600",
		"forwardTo":        "Owner@Example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = env.get("/api/settings?address=box@vaultmail.test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"settings":{"retentionSeconds":3600,"forwardTo":"owner@example.com"}}`, rec.Body.String())

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"no address", map[string]any{"retentionSeconds": 60}, "Missing address"},
		{"nothing to update", map[string]any{"address": "box@vaultmail.test"}, "No settings to update"},
		{"bad retention", map[string]any{"address": "box@vaultmail.test", "retentionSeconds": "soon"}, "Invalid retention"},
		{"zero retention", map[string]any{"address": "box@vaultmail.test", "retentionSeconds": 0}, "Invalid retention"},
		{"retention beyond a year", map[string]any{"address": "box@vaultmail.test", "retentionSeconds": 10_000_000_000}, "Invalid retention"},
		{"bad forward", map[string]any{"address": "box@vaultmail.test", "forwardTo": "nowhere"}, "Invalid forward address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON("/api/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeBody[map[string]string](t, rec)["error"])
		})
	}

	assert.Equal(t, http.StatusBadRequest, env.get("/api/settings").Code)
}

func TestPublicSettings(t *testing.T) {
	env := newTestEnv(t)

	assert.JSONEq(t, `{"appName":"VaultMail"}`, env.get("/api/branding").Body.String())
	assert.JSONEq(t, `{"domains":["vaultmail.test"]}`, env.get("/api/domains").Body.String())

	ret := decodeBody[settings.Retention](t, env.get("/api/retention"))
	assert.Equal(t, settings.DefaultRetentionSeconds, ret.Seconds)
}

func TestDomainExpiration(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.get("/api/domain-expiration").Code)

	rec := env.get("/api/domain-expiration?domain=Example.COM")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[domainexp.Record](t, rec)
	assert.Equal(t, "example.com", got.Domain)
	require.NotNil(t, got.ExpiresAt)

	env.get("/api/domain-expiration?domain=example.com")
	assert.Equal(t, int32(1), env.lookups.Load(), "second request should be served from cache")
}

func TestCronDomainExpiration(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/api/cron/domain-expiration")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/cron/domain-expiration", nil)
	req.Header.Set("x-cron-secret", testCronSecret)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct {
		Updated int                `json:"updated"`
		Domains []domainexp.Record `json:"domains"`
	}](t, rec)
	assert.Equal(t, 1, got.Updated)
	require.Len(t, got.Domains, 1)
	assert.Equal(t, testDomain, got.Domains[0].Domain)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/inbox", nil)
	req.Header.Set("Origin", "https://app.vaultmail.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := env.do(req)
	assert.Equal(t, "https://app.vaultmail.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/api/inbox", nil)
	req.Header.Set("Origin", "https://evil.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = env.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
