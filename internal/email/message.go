// Package email defines the mail data model shared by the inbound
// transports, the inbox service and the forwarders.
package email

import (
	"net/textproto"
	"time"
)

// Email is a parsed or composed message. To and Cc hold bare addresses;
// From keeps the display form ("Name <addr>") as received.
type Email struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
	// Date is zero when the message carried no parseable Date header.
	Date time.Time

	TextBody    string
	HtmlBody    string
	Attachments []Attachment

	// RawHeaders keeps every received header. Render only copies X-*
	// headers from it.
	RawHeaders map[string][]string
}

// Header returns the first value of the named raw header.
func (e *Email) Header(name string) string {
	if e.RawHeaders == nil {
		return ""
	}
	if v := e.RawHeaders[textproto.CanonicalMIMEHeaderKey(name)]; len(v) > 0 {
		return v[0]
	}
	if v := e.RawHeaders[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// SetHeader replaces the named raw header.
func (e *Email) SetHeader(name, value string) {
	if e.RawHeaders == nil {
		e.RawHeaders = make(map[string][]string)
	}
	e.RawHeaders[textproto.CanonicalMIMEHeaderKey(name)] = []string{value}
}

// Attachment is a file carried by a message. Inline parts referenced by
// Content-ID are attachments too.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}
