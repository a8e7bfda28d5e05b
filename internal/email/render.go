package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Render serializes the message as an RFC 5322 document with MIME parts:
// multipart/alternative when both bodies are present, multipart/mixed
// around it when there are attachments. RawHeaders contributes X- headers
// only.
func (e *Email) Render() ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", e.From)
	if len(e.To) > 0 {
		writeHeader(&buf, "To", strings.Join(e.To, ", "))
	}
	if len(e.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(e.Cc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", e.Subject))
	if !e.Date.IsZero() {
		writeHeader(&buf, "Date", e.Date.Format(time.RFC1123Z))
	}
	if e.MessageID != "" {
		writeHeader(&buf, "Message-ID", e.MessageID)
	}
	for _, name := range e.extraHeaders() {
		for _, v := range e.RawHeaders[name] {
			writeHeader(&buf, name, v)
		}
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(e.Attachments) == 0 {
		if err := e.writeBody(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed.Boundary()))
	buf.WriteString("\r\n")

	var body bytes.Buffer
	if err := e.writeBody(&body); err != nil {
		return nil, err
	}
	bodyHeader, bodyContent := splitHeader(body.Bytes())
	part, err := mixed.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	part.Write(bodyContent)

	for _, att := range e.Attachments {
		h := make(textproto.MIMEHeader)
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.ContentID != "" {
			disposition = "inline"
			h.Set("Content-ID", "<"+att.ContentID+">")
		}
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": att.Filename}))

		part, err := mixed.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64Lines(att.Content)))
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBody writes Content-Type headers, a blank line and the body.
func (e *Email) writeBody(w *bytes.Buffer) error {
	switch {
	case e.TextBody != "" && e.HtmlBody != "":
		alt := multipart.NewWriter(w)
		writeHeader(w, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
		w.WriteString("\r\n")
		for _, p := range []struct{ ct, body string }{
			{"text/plain; charset=UTF-8", e.TextBody},
			{"text/html; charset=UTF-8", e.HtmlBody},
		} {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Type", p.ct)
			h.Set("Content-Transfer-Encoding", "quoted-printable")
			part, err := alt.CreatePart(h)
			if err != nil {
				return fmt.Errorf("failed to create body part: %w", err)
			}
			if err := writeQP(part, p.body); err != nil {
				return err
			}
		}
		return alt.Close()
	case e.HtmlBody != "":
		return writeSinglePart(w, "text/html; charset=UTF-8", e.HtmlBody)
	default:
		return writeSinglePart(w, "text/plain; charset=UTF-8", e.TextBody)
	}
}

func (e *Email) extraHeaders() []string {
	var names []string
	for name := range e.RawHeaders {
		if strings.HasPrefix(textproto.CanonicalMIMEHeaderKey(name), "X-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func writeSinglePart(w *bytes.Buffer, contentType, body string) error {
	writeHeader(w, "Content-Type", contentType)
	writeHeader(w, "Content-Transfer-Encoding", "quoted-printable")
	w.WriteString("\r\n")
	return writeQP(w, body)
}

func writeQP(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return qp.Close()
}

func writeHeader(w *bytes.Buffer, name, value string) {
	// Header values must not smuggle extra lines.
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	fmt.Fprintf(w, "%s: %s\r\n", name, value)
}

// splitHeader separates a rendered "headers CRLF CRLF content" block.
func splitHeader(b []byte) (textproto.MIMEHeader, []byte) {
	h := make(textproto.MIMEHeader)
	head, content, _ := bytes.Cut(b, []byte("\r\n\r\n"))
	for _, line := range strings.Split(string(head), "\r\n") {
		if name, value, ok := strings.Cut(line, ": "); ok {
			h.Add(name, value)
		}
	}
	return h, content
}

// encodeBase64Lines encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64Lines(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
