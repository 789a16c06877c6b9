package metering

import (
	"context"
	"fmt"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// AggregationService is the first pipeline stage: it scans the pending index,
// folds records into aggregation groups and enqueues one submission job per
// group. Cycles are idempotent and safe to run concurrently with themselves;
// overlapping runs may enqueue a group twice, which the Submitter's
// idempotent record updates tolerate.
type AggregationService struct {
	records domainMetering.UsageRecordRepository
	queue   domainMetering.SubmissionQueue
	logger  *zap.Logger
	config  AggregationConfig
}

// AggregationConfig contains configuration for aggregation cycles
type AggregationConfig struct {
	// PageSize is how many pending records each store page fetches
	PageSize int
}

// DefaultAggregationConfig returns default configuration
func DefaultAggregationConfig() AggregationConfig {
	return AggregationConfig{
		PageSize: 500,
	}
}

// CycleResult summarizes one aggregation cycle
type CycleResult struct {
	RecordsScanned  int
	RecordsSkipped  int
	GroupsEnqueued  int
	EnqueueFailures int
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(
	records domainMetering.UsageRecordRepository,
	queue domainMetering.SubmissionQueue,
	logger *zap.Logger,
	config AggregationConfig,
) *AggregationService {
	if config.PageSize <= 0 {
		config.PageSize = DefaultAggregationConfig().PageSize
	}
	return &AggregationService{
		records: records,
		queue:   queue,
		logger:  logger,
		config:  config,
	}
}

// RunAggregationCycle scans every record pending at scan time, groups them by
// (product, customer, dimension) and enqueues one job per group. A store read
// failure aborts the cycle before anything is enqueued; a queue failure for
// one group never blocks the remaining groups.
func (s *AggregationService) RunAggregationCycle(ctx context.Context) (CycleResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "aggregation", "run_cycle")
	defer span.End()

	s.logger.Info("starting aggregation cycle")

	var result CycleResult
	set := domainMetering.NewGroupSet()

	var after *domainMetering.RecordKey
	for {
		page, err := s.records.FindPendingPage(ctx, after, s.config.PageSize)
		if err != nil {
			// No groups have been enqueued yet, so aborting here leaves no
			// partial state behind; the next cycle sees the same pending set.
			err = fmt.Errorf("failed to scan pending records: %w", err)
			telemetry.RecordError(span, err)
			return CycleResult{}, err
		}
		if len(page) == 0 {
			break
		}

		for _, record := range page {
			result.RecordsScanned++
			if !record.IsSubmittable() {
				result.RecordsSkipped++
				s.logger.Warn("skipping unsubmittable usage record",
					zap.String("record", record.Key().String()),
					zap.String("product_code", record.ProductCode),
					zap.String("dimension", record.Dimension),
					zap.Int64("quantity", record.Quantity),
				)
				continue
			}
			set.Add(record)
		}

		last := page[len(page)-1].Key()
		after = &last
	}

	for _, group := range set.Groups() {
		if err := s.queue.Enqueue(ctx, group); err != nil {
			result.EnqueueFailures++
			s.logger.Error("failed to enqueue aggregation group",
				zap.String("group", group.Key().String()),
				zap.Int64("quantity", group.Quantity),
				zap.Int("members", len(group.Members)),
				zap.Error(err),
			)
			continue
		}
		result.GroupsEnqueued++
	}

	s.logger.Info("aggregation cycle complete",
		zap.Int("records_scanned", result.RecordsScanned),
		zap.Int("records_skipped", result.RecordsSkipped),
		zap.Int("groups_enqueued", result.GroupsEnqueued),
		zap.Int("enqueue_failures", result.EnqueueFailures),
	)
	telemetry.SetAttributes(span,
		"records_scanned", result.RecordsScanned,
		telemetry.SpanAttrGroupCount, result.GroupsEnqueued,
	)

	if result.EnqueueFailures > 0 {
		err := fmt.Errorf("failed to enqueue %d of %d aggregation groups", result.EnqueueFailures, set.Len())
		telemetry.RecordError(span, err)
		return result, err
	}
	return result, nil
}
