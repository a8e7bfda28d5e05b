package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

type codedError struct{ code string }

func (e codedError) Error() string     { return e.code }
func (e codedError) ErrorCode() string { return e.code }

func newTestForwarder(mock *mockSESClient) *Forwarder {
	f := NewWithClient("forwarder@ysweb.biz.id", mock)
	f.retry = forward.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	return f
}

func TestName(t *testing.T) {
	t.Parallel()
	f := NewWithClient("sender@example.com", &mockSESClient{})
	if got := f.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestForward_SimpleEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	f := newTestForwarder(mock)

	msg := &email.Email{
		From:     "origin@example.com",
		To:       []string{"inbox@ysweb.biz.id"},
		Cc:       []string{"cc@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
		HtmlBody: "<h1>Hello</h1>",
	}

	if err := f.Forward(context.Background(), "owner@example.com", msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "forwarder@ysweb.biz.id" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "forwarder@ysweb.biz.id")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "owner@example.com" {
		t.Errorf("ToAddresses: got %v, want [owner@example.com]", got)
	}
	if len(input.Destination.CcAddresses) != 0 {
		t.Errorf("CcAddresses: got %v, want none", input.Destination.CcAddresses)
	}
	if got := *input.Content.Simple.Body.Html.Data; got != "<h1>Hello</h1>" {
		t.Errorf("HtmlBody: got %q, want %q", got, "<h1>Hello</h1>")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("TextBody: got %q, want %q", got, "Hello, World!")
	}
	headers := input.Content.Simple.Headers
	if len(headers) != 1 || *headers[0].Name != forward.HeaderForwardedFrom || *headers[0].Value != "origin@example.com" {
		t.Errorf("Headers: got %+v, want %s: origin@example.com", headers, forward.HeaderForwardedFrom)
	}
	if got := input.ReplyToAddresses; len(got) != 1 || got[0] != "origin@example.com" {
		t.Errorf("ReplyToAddresses: got %v, want [origin@example.com]", got)
	}
}

func TestForward_WithAttachmentsUsesRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	f := newTestForwarder(mock)

	msg := &email.Email{
		From:     "origin@example.com",
		Subject:  "With Attachment",
		TextBody: "See attached",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
		},
	}

	if err := f.Forward(context.Background(), "owner@example.com", msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "owner@example.com" {
		t.Errorf("raw ToAddresses: got %v, want [owner@example.com]", got)
	}
	raw := string(input.Content.Raw.Data)
	for _, want := range []string{
		"From: forwarder@ysweb.biz.id",
		"To: owner@example.com",
		"X-Forwarded-From: origin@example.com",
		"multipart/mixed",
		"filename=report.pdf",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestForward_RetryOnTransientError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	calls := 0
	mock.sendFn = func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &sesv2.SendEmailOutput{}, nil
	}
	f := newTestForwarder(mock)

	if err := f.Forward(context.Background(), "owner@example.com", &email.Email{Subject: "s", TextBody: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 3 {
		t.Errorf("call count: got %d, want 3", mock.callCount)
	}
}

func TestForward_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	f := newTestForwarder(mock)

	err := f.Forward(context.Background(), "owner@example.com", &email.Email{Subject: "s", TextBody: "b"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4 (1 initial + 3 retries)", mock.callCount)
	}
}

func TestForward_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, codedError{code: "MessageRejected"}
		},
	}
	f := newTestForwarder(mock)

	err := f.Forward(context.Background(), "owner@example.com", &email.Email{Subject: "s", TextBody: "b"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestBuildSimpleInput_EmptyBody(t *testing.T) {
	t.Parallel()

	input := buildSimpleInput(&email.Email{From: "a@x.com", To: []string{"b@x.com"}, Subject: "empty"})
	if input.Content.Simple.Body.Text == nil {
		t.Error("expected an empty text body so SES accepts the message")
	}
	if input.Content.Simple.Headers != nil {
		t.Errorf("Headers: got %+v, want none", input.Content.Simple.Headers)
	}
}

func TestForwarderInterface(t *testing.T) {
	t.Parallel()
	var _ forward.Forwarder = (*Forwarder)(nil)
}
