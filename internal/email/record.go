package email

import (
	"encoding/base64"
	"fmt"
)

// Record is a message as stored in an inbox list. The JSON shape is read by
// the web client and must stay stable.
type Record struct {
	ID          string             `json:"id"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	HTML        string             `json:"html"`
	ReceivedAt  string             `json:"receivedAt"`
	Read        bool               `json:"read"`
	Attachments []AttachmentRecord `json:"attachments,omitempty"`
}

// AttachmentRecord is attachment metadata plus, unless Omitted, its content.
type AttachmentRecord struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	Size          int64  `json:"size"`
	ContentBase64 string `json:"contentBase64,omitempty"`
	Omitted       bool   `json:"omitted,omitempty"`
}

// Content decodes the stored attachment bytes.
func (a AttachmentRecord) Content() ([]byte, error) {
	if a.Omitted || a.ContentBase64 == "" {
		return nil, fmt.Errorf("attachment %q has no stored content", a.Filename)
	}
	b, err := base64.StdEncoding.DecodeString(a.ContentBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment %q: %w", a.Filename, err)
	}
	return b, nil
}

// NewAttachmentRecord stores content inline when it fits in maxBytes and
// keeps only the metadata otherwise.
func NewAttachmentRecord(a Attachment, maxBytes int64) AttachmentRecord {
	rec := AttachmentRecord{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        int64(len(a.Content)),
	}
	if rec.ContentType == "" {
		rec.ContentType = "application/octet-stream"
	}
	if maxBytes > 0 && rec.Size > maxBytes {
		rec.Omitted = true
		return rec
	}
	rec.ContentBase64 = base64.StdEncoding.EncodeToString(a.Content)
	return rec
}
