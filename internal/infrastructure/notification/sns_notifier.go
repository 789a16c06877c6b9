// Package notification delivers operator-facing alerts through AWS SNS.
package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/metering/backend/internal/domain/metering"
	infraconfig "github.com/metering/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Ensure SNSNotifier implements Notifier
var _ metering.Notifier = (*SNSNotifier)(nil)

// SNSNotifier publishes consolidated metering alerts to an SNS topic
type SNSNotifier struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

// NewSNSNotifier creates a new SNS notifier from configuration
func NewSNSNotifier(cfg *infraconfig.NotificationConfig, logger *zap.Logger) (*SNSNotifier, error) {
	if cfg == nil {
		return nil, errors.New("notification configuration is required")
	}
	if cfg.TopicARN == "" {
		return nil, errors.New("notification topic ARN is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SNSNotifier{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// Notify publishes one message to the configured topic
func (n *SNSNotifier) Notify(ctx context.Context, subject, body string) error {
	// SNS caps subjects at 100 characters
	if len(subject) > 100 {
		subject = subject[:97] + "..."
	}

	output, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debug("notification published",
		zap.String("subject", subject),
		zap.String("message_id", aws.ToString(output.MessageId)),
	)
	return nil
}

// LogNotifier writes notifications to the log instead of an external topic.
// Used when no topic is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Ensure LogNotifier implements Notifier
var _ metering.Notifier = (*LogNotifier)(nil)

// Notify logs the notification at warn level
func (n *LogNotifier) Notify(ctx context.Context, subject, body string) error {
	n.logger.Warn("metering notification",
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
