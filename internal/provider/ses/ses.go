// Package ses implements a Provider that relays messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/graph-relay/internal/email"
	"github.com/shineum/graph-relay/internal/provider"
)

// Config holds the settings for creating an SES provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// Provider sends messages via the AWS SES v2 API. The relay's raw MIME
// message maps directly onto SES raw content, so no re-encoding happens.
type Provider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates an SES provider with the given configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
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

	return &Provider{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender: sender,
		client: client,
	}
}

// Send submits the raw message to SES. The envelope recipients become the
// SES destination so Bcc-style delivery (recipients absent from the message
// headers) still works.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.sender),
		Destination: &types.Destination{
			ToAddresses: msg.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg.Raw,
			},
		},
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return classify(err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// classify maps SES API errors onto the shared DeliveryError taxonomy.
// Throttling and account-level pauses are transient; rejected or malformed
// messages are permanent.
func classify(err error) *provider.DeliveryError {
	de := &provider.DeliveryError{Message: err.Error()}

	var (
		tooMany   *types.TooManyRequestsException
		limit     *types.LimitExceededException
		rejected  *types.MessageRejected
		badReq    *types.BadRequestException
		notFound  *types.NotFoundException
		suspended *types.AccountSuspendedException
	)
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit), errors.As(err, &suspended):
		// transient
	case errors.As(err, &rejected), errors.As(err, &badReq), errors.As(err, &notFound):
		de.Permanent = true
	}

	return de
}
