package graph

import (
	"encoding/base64"
	"net/mail"
	"sort"
	"strings"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

// Request and response bodies of the Graph sendMail and token endpoints.

type sendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type graphMessage struct {
	Subject                string           `json:"subject"`
	Body                   itemBody         `json:"body"`
	ToRecipients           []recipient      `json:"toRecipients"`
	ReplyTo                []recipient      `json:"replyTo,omitempty"`
	Attachments            []fileAttachment `json:"attachments,omitempty"`
	InternetMessageHeaders []messageHeader  `json:"internetMessageHeaders,omitempty"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func newRecipient(name, address string) recipient {
	var r recipient
	r.EmailAddress.Name = name
	r.EmailAddress.Address = address
	return r
}

const fileAttachmentType = "#microsoft.graph.fileAttachment"

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// messageHeader is a custom header. Graph rejects names without the X-
// prefix.
type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest maps an outgoing copy onto the sendMail body. The
// original sender, when it parses, becomes the reply-to address.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	m := graphMessage{
		Subject: msg.Subject,
		Body:    itemBody{ContentType: "text", Content: msg.TextBody},
	}
	if msg.HtmlBody != "" {
		m.Body = itemBody{ContentType: "html", Content: msg.HtmlBody}
	}

	for _, addr := range msg.To {
		m.ToRecipients = append(m.ToRecipients, newRecipient("", addr))
	}
	if from := msg.Header(forward.HeaderForwardedFrom); from != "" {
		if a, err := mail.ParseAddress(from); err == nil {
			m.ReplyTo = []recipient{newRecipient(a.Name, a.Address)}
		}
	}

	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, fileAttachment{
			ODataType:    fileAttachmentType,
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.ContentID != "",
		})
	}

	names := make([]string, 0, len(msg.RawHeaders))
	for name := range msg.RawHeaders {
		if len(name) > 2 && strings.EqualFold(name[:2], "x-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range msg.RawHeaders[name] {
			m.InternetMessageHeaders = append(m.InternetMessageHeaders, messageHeader{Name: name, Value: v})
		}
	}

	return &sendMailRequest{Message: m}
}
