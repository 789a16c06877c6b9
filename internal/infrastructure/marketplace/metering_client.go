// Package marketplace provides the billing authority implementation backed by
// the AWS Marketplace Metering service.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering/types"
	"github.com/aws/smithy-go"
	"github.com/metering/backend/internal/domain/metering"
	infraconfig "github.com/metering/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Ensure MeteringClient implements MeteringAuthority
var _ metering.MeteringAuthority = (*MeteringClient)(nil)

// MeteringClient submits aggregated usage to AWS Marketplace Metering. One
// MeterUsage call maps onto one BatchMeterUsage request carrying a single
// usage record, so the per-group billing call stays atomic.
type MeteringClient struct {
	client *marketplacemetering.Client
	logger *zap.Logger
}

// NewMeteringClient creates a new marketplace metering client from
// configuration. Static credentials are optional; when absent the default
// AWS credential chain is used.
func NewMeteringClient(cfg *infraconfig.MarketplaceConfig, logger *zap.Logger) (*MeteringClient, error) {
	if cfg == nil {
		return nil, errors.New("marketplace configuration is required")
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

	client := marketplacemetering.NewFromConfig(awsCfg, func(o *marketplacemetering.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &MeteringClient{client: client, logger: logger}, nil
}

// MeterUsage submits one aggregated usage quantity. Rejections come back as
// errors whose text carries the marketplace exception name, which the caller
// classifies for the operator report.
func (c *MeteringClient) MeterUsage(ctx context.Context, input metering.MeterUsageInput) (*metering.MeterUsageResult, error) {
	if input.Quantity < 0 || input.Quantity > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("quantity %d outside the billable range", input.Quantity)
	}
	quantity := int32(input.Quantity)
	timestamp := input.Timestamp

	output, err := c.client.BatchMeterUsage(ctx, &marketplacemetering.BatchMeterUsageInput{
		ProductCode: aws.String(input.ProductCode),
		UsageRecords: []types.UsageRecord{
			{
				CustomerIdentifier: aws.String(input.CustomerAccountID),
				Dimension:          aws.String(input.Dimension),
				Quantity:           aws.Int32(quantity),
				Timestamp:          aws.Time(timestamp),
			},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			// Surface the exception name so failure classification can key
			// off it even when the SDK message omits it.
			return nil, fmt.Errorf("batch meter usage call failed (%s): %w", apiErr.ErrorCode(), err)
		}
		return nil, fmt.Errorf("batch meter usage call failed: %w", err)
	}

	if len(output.UnprocessedRecords) > 0 {
		return nil, fmt.Errorf("usage record for %s/%s/%s was returned unprocessed",
			input.ProductCode, input.CustomerAccountID, input.Dimension)
	}
	if len(output.Results) == 0 {
		return nil, errors.New("batch meter usage returned no result")
	}

	result := output.Results[0]
	if result.Status != types.UsageRecordResultStatusSuccess {
		return nil, fmt.Errorf("usage record rejected with status %s", result.Status)
	}

	response, err := json.Marshal(result)
	if err != nil {
		// The submission already went through; fall back to the record id.
		response = []byte(aws.ToString(result.MeteringRecordId))
	}

	c.logger.Debug("usage metered",
		zap.String("product_code", input.ProductCode),
		zap.String("customer_account_id", input.CustomerAccountID),
		zap.String("dimension", input.Dimension),
		zap.Int64("quantity", input.Quantity),
		zap.String("metering_record_id", aws.ToString(result.MeteringRecordId)),
	)

	return &metering.MeterUsageResult{Response: string(response)}, nil
}
