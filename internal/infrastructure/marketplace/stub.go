// Package marketplace provides the billing authority implementation backed by
// the AWS Marketplace Metering service.
package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/metering/backend/internal/domain/metering"
	"go.uber.org/zap"
)

// StubMeteringAuthority accepts every submission without calling out to AWS.
// Use it for local development and dry runs; every call is logged so the
// would-be charges stay visible.
type StubMeteringAuthority struct {
	logger *zap.Logger
}

// NewStubMeteringAuthority creates a new StubMeteringAuthority
func NewStubMeteringAuthority(logger *zap.Logger) *StubMeteringAuthority {
	return &StubMeteringAuthority{logger: logger}
}

// Ensure StubMeteringAuthority implements MeteringAuthority
var _ metering.MeteringAuthority = (*StubMeteringAuthority)(nil)

// MeterUsage logs the submission and fabricates a success response
func (s *StubMeteringAuthority) MeterUsage(ctx context.Context, input metering.MeterUsageInput) (*metering.MeterUsageResult, error) {
	s.logger.Info("dry-run usage submission",
		zap.String("product_code", input.ProductCode),
		zap.String("customer_account_id", input.CustomerAccountID),
		zap.String("dimension", input.Dimension),
		zap.Int64("quantity", input.Quantity),
	)

	response := fmt.Sprintf(`{"dryRun":true,"submittedAt":%q}`, time.Now().Format(time.RFC3339))
	return &metering.MeterUsageResult{Response: response}, nil
}
