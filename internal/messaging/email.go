package messaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"outreach-engine/internal/models"
)

// SESEmailSender delivers email through AWS SES.
type SESEmailSender struct {
	client *sesv2.Client
	from   string
}

// NewSESEmailSender builds a sender from an AWS config and a verified from
// address.
func NewSESEmailSender(cfg aws.Config, from string) (*SESEmailSender, error) {
	if from == "" {
		return nil, fmt.Errorf("ses from address is required")
	}
	return &SESEmailSender{client: sesv2.NewFromConfig(cfg), from: from}, nil
}

func (s *SESEmailSender) Channel() string {
	return models.ChannelEmail
}

func (s *SESEmailSender) Send(ctx context.Context, msg Message) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
