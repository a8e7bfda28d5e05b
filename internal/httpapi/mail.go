package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/inbox"
)

// multipartMemory is how much of a multipart upload is kept in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

type webhookAttachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	ContentBase64 string `json:"contentBase64"`
}

// webhookRequest accepts both the worker's field names and the
// Mailgun-style aliases.
type webhookRequest struct {
	From        string              `json:"from"`
	To          string              `json:"to"`
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	BodyPlain   string              `json:"body-plain"`
	HTML        string              `json:"html"`
	BodyHTML    string              `json:"body-html"`
	Attachments []webhookAttachment `json:"attachments"`
}

func (req webhookRequest) message() (inbox.Message, error) {
	m := inbox.Message{
		From:    req.From,
		To:      firstNonEmpty(req.To, req.Recipient),
		Subject: req.Subject,
		Text:    firstNonEmpty(req.Text, req.BodyPlain),
		HTML:    firstNonEmpty(req.HTML, req.BodyHTML),
	}
	for i, a := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return inbox.Message{}, fmt.Errorf("attachment %d: %w", i, err)
		}
		m.Attachments = append(m.Attachments, email.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     content,
		})
	}
	return m, nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var msg inbox.Message
	switch mediaType {
	case "application/json":
		var req webhookRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		m, err := req.message()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid attachment encoding")
			return
		}
		msg = m
	case "multipart/form-data", "application/x-www-form-urlencoded":
		m, err := s.formMessage(w, r, mediaType)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Invalid form data")
			return
		}
		msg = m
	default:
		writeText(w, http.StatusUnsupportedMediaType, "Unsupported Content-Type")
		return
	}

	rec, err := s.svc.Inbox.Deliver(r.Context(), msg)
	switch {
	case errors.Is(err, inbox.ErrMissingParameters):
		writeError(w, http.StatusBadRequest, "Missing parameters")
	case errors.Is(err, inbox.ErrInvalidRecipient):
		writeError(w, http.StatusBadRequest, "Invalid recipient")
	case err != nil:
		writeInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": rec.ID})
	}
}

// formMessage reads a form post. Every uploaded file of a multipart post
// becomes an attachment.
func (s *Server) formMessage(w http.ResponseWriter, r *http.Request, mediaType string) (inbox.Message, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return inbox.Message{}, err
		}
	} else if err := r.ParseForm(); err != nil {
		return inbox.Message{}, err
	}

	m := inbox.Message{
		From:    r.PostFormValue("from"),
		To:      firstNonEmpty(r.PostFormValue("to"), r.PostFormValue("recipient")),
		Subject: r.PostFormValue("subject"),
		Text:    firstNonEmpty(r.PostFormValue("text"), r.PostFormValue("body-plain")),
		HTML:    firstNonEmpty(r.PostFormValue("html"), r.PostFormValue("body-html")),
	}
	if r.MultipartForm == nil {
		return m, nil
	}

	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				return inbox.Message{}, fmt.Errorf("opening upload %q: %w", fh.Filename, err)
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return inbox.Message{}, fmt.Errorf("reading upload %q: %w", fh.Filename, err)
			}

			filename := fh.Filename
			if filename == "" {
				filename = "attachment"
			}
			m.Attachments = append(m.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: fh.Header.Get("Content-Type"),
				Content:     content,
			})
		}
	}
	return m, nil
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "Address required")
		return
	}

	records, err := s.svc.Inbox.List(r.Context(), address)
	if err != nil {
		// An unreadable inbox shows as empty rather than failing the page.
		logRequestError(r, "listing inbox", err)
		records = nil
	}
	if records == nil {
		records = []email.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": records})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address, id, kind := q.Get("address"), q.Get("emailId"), q.Get("type")
	if address == "" || id == "" || kind == "" {
		writeError(w, http.StatusBadRequest, "Missing parameters")
		return
	}

	var (
		d   inbox.Download
		err error
	)
	switch kind {
	case "email":
		d, err = s.svc.Inbox.EmailFile(r.Context(), address, id)
	case "attachment":
		index, convErr := strconv.Atoi(q.Get("index"))
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "Invalid attachment index")
			return
		}
		d, err = s.svc.Inbox.AttachmentFile(r.Context(), address, id, index)
	default:
		writeError(w, http.StatusBadRequest, "Invalid download type")
		return
	}

	switch {
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "Email not found")
	case errors.Is(err, inbox.ErrAttachmentOmitted):
		writeError(w, http.StatusRequestEntityTooLarge, "Attachment too large to download")
	case errors.Is(err, inbox.ErrAttachmentNotFound):
		writeError(w, http.StatusNotFound, "Attachment not found")
	case err != nil:
		writeInternal(w, r, err)
	default:
		w.Header().Set("Content-Type", d.ContentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
		w.Header().Set("Content-Length", strconv.Itoa(len(d.Content)))
		_, _ = w.Write(d.Content)
	}
}

func (s *Server) handleGetAddressSettings(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "Missing address")
		return
	}
	settings, err := s.svc.Inbox.AddressSettings(r.Context(), address)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

type addressSettingsRequest struct {
	Address string `json:"address"`
	// RetentionSeconds arrives as a number or a numeric string.
	RetentionSeconds json.RawMessage `json:"retentionSeconds"`
	ForwardTo        *string         `json:"forwardTo"`
}

func (s *Server) handleUpdateAddressSettings(w http.ResponseWriter, r *http.Request) {
	var req addressSettingsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	upd := inbox.SettingsUpdate{ForwardTo: req.ForwardTo}
	seconds, ok, err := parseSeconds(req.RetentionSeconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid retention")
		return
	}
	if ok {
		upd.RetentionSeconds = &seconds
	}

	_, err = s.svc.Inbox.UpdateAddressSettings(r.Context(), req.Address, upd)
	switch {
	case errors.Is(err, inbox.ErrMissingAddress):
		writeError(w, http.StatusBadRequest, "Missing address")
	case errors.Is(err, inbox.ErrNoSettings):
		writeError(w, http.StatusBadRequest, "No settings to update")
	case errors.Is(err, inbox.ErrInvalidRetention):
		writeError(w, http.StatusBadRequest, "Invalid retention")
	case errors.Is(err, inbox.ErrInvalidForwardTo):
		writeError(w, http.StatusBadRequest, "Invalid forward address")
	case err != nil:
		writeInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// parseSeconds reads a JSON number or numeric string. ok is false when the
// field is absent or null.
func parseSeconds(raw json.RawMessage) (seconds int, ok bool, err error) {
	v := strings.TrimSpace(string(raw))
	if v == "" || v == "null" {
		return 0, false, nil
	}
	seconds, err = strconv.Atoi(strings.TrimSpace(strings.Trim(v, `"`)))
	if err != nil {
		return 0, false, err
	}
	return seconds, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
