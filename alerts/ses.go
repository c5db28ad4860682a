package alerts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/gewnthar/aplsync/config"
)

// sesAPI is the slice of the SES v2 client the notifier uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier emails alerts through Amazon SES.
type SESNotifier struct {
	client sesAPI
	from   string
	to     []string
}

// NewSESNotifier loads AWS credentials from the default chain.
func NewSESNotifier(ctx context.Context, cfg config.SESConfig) (*SESNotifier, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESNotifier{client: sesv2.NewFromConfig(awsCfg), from: cfg.From, to: cfg.To}, nil
}

func (s *SESNotifier) Notify(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("%s\n\nState: %s\nData source: %s\nKind: %s\nAt: %s\n",
		a.Message, a.State, a.DataSource, a.Kind, a.At.UTC().Format("2006-01-02 15:04:05 MST"))
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: s.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(a.Subject()), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("state"), Value: aws.String(a.State)},
			{Name: aws.String("kind"), Value: aws.String(a.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("ses: failed to send alert: %w", err)
	}
	return nil
}
