// Package ses implements a Forwarder that sends mail via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/forward"
)

// Config holds the configuration for creating a Forwarder.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Forwarder sends forwarded copies through the AWS SES v2 API.
type Forwarder struct {
	sender string
	client SendEmailAPI
	retry  forward.RetryPolicy
}

// New creates a Forwarder. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Forwarder, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Forwarder with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Forwarder {
	return &Forwarder{
		sender: sender,
		client: client,
		retry:  forward.DefaultRetry,
	}
}

// Forward sends msg to to. Messages with attachments go out as raw MIME;
// the rest use the SES simple format with the forwarding header attached.
func (f *Forwarder) Forward(ctx context.Context, to string, msg *email.Email) error {
	out := forward.Outgoing(f.sender, to, msg)

	var input *sesv2.SendEmailInput
	if len(out.Attachments) > 0 {
		raw, err := out.Render()
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(out.From),
			Destination:      &types.Destination{ToAddresses: out.To},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(out)
	}

	return f.retry.Do(ctx, "ses", func(ctx context.Context) error {
		_, err := f.client.SendEmail(ctx, input)
		return classify(err)
	})
}

// Name returns the provider name.
func (f *Forwarder) Name() string {
	return "ses"
}

// permanentCodes are SES error codes that another attempt cannot fix.
var permanentCodes = map[string]bool{
	"BadRequestException":                true,
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
}

// classify marks every failure retryable except the permanent SES codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && permanentCodes[coded.ErrorCode()] {
		return err
	}
	return forward.Retryable(err)
}

// buildSimpleInput creates a SES SendEmailInput for mail without
// attachments. Replies go to the original sender.
func buildSimpleInput(msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" || msg.HtmlBody == "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	var headers []types.MessageHeader
	for _, v := range msg.RawHeaders[forward.HeaderForwardedFrom] {
		headers = append(headers, types.MessageHeader{
			Name:  aws.String(forward.HeaderForwardedFrom),
			Value: aws.String(v),
		})
	}

	var replyTo []string
	if a, err := mail.ParseAddress(msg.Header(forward.HeaderForwardedFrom)); err == nil {
		replyTo = []string{a.Address}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: msg.To},
		ReplyToAddresses: replyTo,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body:    body,
				Headers: headers,
			},
		},
	}
}
