// Package ses implements a Provider that relays stored messages through
// AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-outbox/internal/email"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESProvider sends raw messages via the AWS SES v2 API. It makes one
// SendEmail call per attempt; retrying is left to the delivery agent.
type SESProvider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *SESProvider {
	return &SESProvider{client: client}
}

// Deliver sends the stored message bytes unchanged to recipients. SES
// accepts or refuses the call as a whole, so every recipient shares the
// outcome.
func (s *SESProvider) Deliver(ctx context.Context, _ email.Preferences, msg *email.OutgoingMessage, recipients []string) map[string]email.Outcome {
	if len(recipients) == 0 {
		return map[string]email.Outcome{}
	}

	raw, err := readSource(ctx, msg.Source)
	if err != nil {
		return email.Fill(recipients, email.Transient(0, err))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			// Envelope recipients only; the raw headers decide what is shown.
			ToAddresses: recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		slog.Warn("SES API error",
			"message_id", msg.ID,
			"recipients", len(recipients),
			"error", err,
		)
		return email.Fill(recipients, classify(err))
	}

	slog.Debug("SES accepted message",
		"message_id", msg.ID,
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return email.Fill(recipients, email.Delivered())
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func readSource(ctx context.Context, src email.Source) ([]byte, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open message source: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read message source: %w", err)
	}
	return data, nil
}

// classify treats content and identity refusals as permanent. Throttling,
// paused sending and everything else is retried.
func classify(err error) email.Outcome {
	var rejected *types.MessageRejected
	var unverified *types.MailFromDomainNotVerifiedException
	switch {
	case errors.As(err, &rejected), errors.As(err, &unverified):
		return email.Rejected(0, err)
	default:
		return email.Transient(0, err)
	}
}
