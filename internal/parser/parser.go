// Package parser turns raw RFC 5322 messages received over SMTP into the
// mail model used by the inbox.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/vaultmail/internal/email"
)

// maxDepth bounds multipart nesting. Deeper parts are dropped.
const maxDepth = 8

var errMissingBoundary = errors.New("multipart body without boundary")

// header is the lookup shared by mail.Header and textproto.MIMEHeader.
type header interface {
	Get(key string) string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse reads a raw message. Text and HTML bodies are decoded to UTF-8;
// the first of each wins. Parts with a filename, attachment disposition
// or Content-ID, and embedded message/rfc822 parts, become attachments.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	out := &email.Email{
		From:       decodeHeader(msg.Header.Get("From")),
		To:         addressList(msg.Header.Get("To")),
		Cc:         addressList(msg.Header.Get("Cc")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  strings.TrimSpace(msg.Header.Get("Message-Id")),
		RawHeaders: make(map[string][]string, len(msg.Header)),
	}
	for k, v := range msg.Header {
		out.RawHeaders[k] = v
	}
	if d := msg.Header.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			out.Date = t
		}
	}

	w := walker{out: out}
	if err := w.part(msg.Header, msg.Body, 0); err != nil {
		return nil, err
	}
	return out, nil
}

type walker struct {
	out *email.Email
}

// part handles one MIME entity. Errors are only returned for the top
// level; broken nested parts are logged and skipped.
func (w *walker) part(h header, body io.Reader, depth int) error {
	mediaType, params := contentType(h)

	if strings.HasPrefix(mediaType, "multipart/") {
		if depth >= maxDepth {
			slog.Warn("multipart nesting too deep, dropping part", "depth", depth)
			return nil
		}
		boundary := params["boundary"]
		if boundary == "" {
			return errMissingBoundary
		}
		mr := multipart.NewReader(body, boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read next part: %w", err)
			}
			if err := w.part(p.Header, p, depth+1); err != nil {
				slog.Warn("skipping malformed part", "content_type", p.Header.Get("Content-Type"), "error", err)
			}
		}
	}

	content, err := decodeTransfer(body, h.Get("Content-Transfer-Encoding"))
	if err != nil {
		return err
	}

	disposition, dparams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	cid := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")
	filename := firstNonEmpty(dparams["filename"], params["name"])

	isFile := disposition == "attachment" || filename != "" || cid != "" ||
		mediaType == "message/rfc822"
	if !isFile {
		switch mediaType {
		case "text/plain":
			if w.out.TextBody == "" {
				w.out.TextBody = toUTF8(content, params["charset"])
			}
			return nil
		case "text/html":
			if w.out.HtmlBody == "" {
				w.out.HtmlBody = toUTF8(content, params["charset"])
			}
			return nil
		}
		if depth == 0 {
			// A single-part message of an odd type is still readable text.
			w.out.TextBody = toUTF8(content, params["charset"])
			return nil
		}
	}

	if filename == "" {
		filename = defaultFilename(mediaType)
	} else {
		filename = decodeHeader(filename)
	}
	w.out.Attachments = append(w.out.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		ContentID:   cid,
		Content:     content,
	})
	return nil
}

// contentType parses the Content-Type header, defaulting to text/plain
// when it is absent or unparseable.
func contentType(h header) (string, map[string]string) {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		slog.Warn("unparseable content type, treating as text/plain", "content_type", v, "error", err)
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

// decodeTransfer reads r and undoes the given Content-Transfer-Encoding.
// multipart.Reader already strips quoted-printable from parts.
func decodeTransfer(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// toUTF8 converts text in the named charset. Unknown charsets pass
// through unchanged.
func toUTF8(b []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(b)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		slog.Debug("unknown charset, keeping raw bytes", "charset", charset)
		return string(b)
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeHeader expands RFC 2047 encoded words. Undecodable input is
// returned as-is.
func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func defaultFilename(mediaType string) string {
	if mediaType == "message/rfc822" {
		return "message.eml"
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList returns the bare addresses of a header. Lists that fail
// RFC 5322 parsing are split on commas.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addrs, err := parser.ParseList(raw)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
