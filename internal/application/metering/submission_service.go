package metering

import (
	"context"
	"time"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// notifyTimeout bounds the failure-report delivery when the batch context is
// already gone
const notifyTimeout = 10 * time.Second

// CounterCache is an optional read cache in front of the usage counter store.
// The submission path only invalidates; reads go through UsageService.
type CounterCache interface {
	// Get returns the cached counter or nil on a miss
	Get(ctx context.Context, productCode, customerAccountID, dimension string) (*domainMetering.UsageCounter, error)

	// Set caches a counter
	Set(ctx context.Context, counter *domainMetering.UsageCounter, ttl time.Duration) error

	// Invalidate drops all cached counters for a product/customer pair
	Invalidate(ctx context.Context, productCode, customerAccountID string) error
}

// SubmissionService is the second pipeline stage: for each aggregation group
// it makes exactly one billing call, fans the outcome back out to every
// member record and the subscriber usage counter, and reports all failures of
// a batch in one consolidated notification.
type SubmissionService struct {
	records   domainMetering.UsageRecordRepository
	counters  domainMetering.UsageCounterRepository
	authority domainMetering.MeteringAuthority
	notifier  domainMetering.Notifier
	cache     CounterCache // optional
	logger    *zap.Logger
}

// NewSubmissionService creates a new submission service. cache may be nil.
func NewSubmissionService(
	records domainMetering.UsageRecordRepository,
	counters domainMetering.UsageCounterRepository,
	authority domainMetering.MeteringAuthority,
	notifier domainMetering.Notifier,
	cache CounterCache,
	logger *zap.Logger,
) *SubmissionService {
	return &SubmissionService{
		records:   records,
		counters:  counters,
		authority: authority,
		notifier:  notifier,
		cache:     cache,
		logger:    logger,
	}
}

// BatchResult summarizes one submitter invocation
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// GroupFailure captures one rejected group for the consolidated report
type GroupFailure struct {
	Group          *domainMetering.AggregationGroup
	Err            error
	Classification Classification
}

// ProcessBatch handles a batch of aggregation groups. Groups are processed
// independently: one group's rejection never aborts its siblings. The method
// only returns an error when the context is cancelled; billing rejections are
// reconciled onto the records and reported through the notifier. Failures
// accumulated before a cancellation are still reported, on a fresh context,
// so no reconciled rejection ever goes unannounced.
func (s *SubmissionService) ProcessBatch(ctx context.Context, groups []*domainMetering.AggregationGroup) (BatchResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "submission", "process_batch",
		telemetry.WithAttribute(telemetry.SpanAttrBatchSize, len(groups)))
	defer span.End()

	var result BatchResult
	var failures []GroupFailure

	var cancelErr error
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}

		result.Processed++
		if failure, ok := s.processGroup(ctx, group); ok {
			result.Succeeded++
		} else {
			result.Failed++
			failures = append(failures, failure)
		}
	}

	if len(failures) > 0 {
		notifyCtx := ctx
		if cancelErr != nil {
			// The batch context is dead but these rejections are already
			// reconciled onto the records. Deliver the report on its own
			// deadline.
			var cancel context.CancelFunc
			notifyCtx, cancel = context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
		}
		s.notifyFailures(notifyCtx, failures)
	}

	if cancelErr != nil {
		telemetry.RecordError(span, cancelErr)
	}
	return result, cancelErr
}

// processGroup submits one group and reconciles the outcome. Returns ok=true
// on billing success.
func (s *SubmissionService) processGroup(ctx context.Context, group *domainMetering.AggregationGroup) (GroupFailure, bool) {
	ctx, span := telemetry.StartServiceSpan(ctx, "submission", "process_group")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrProductCode, group.ProductCode,
		telemetry.SpanAttrCustomerAccountID, group.CustomerAccountID,
		telemetry.SpanAttrDimension, group.Dimension,
		telemetry.SpanAttrQuantity, group.Quantity,
		telemetry.SpanAttrMemberCount, len(group.Members),
	)

	if err := group.Validate(); err != nil {
		// Structurally broken group: nothing billable, nothing to settle.
		s.logger.Error("rejecting invalid aggregation group", zap.Error(err))
		telemetry.RecordError(span, err)
		return GroupFailure{Group: group, Err: err, Classification: ClassifyFailure(err)}, false
	}

	output, err := s.authority.MeterUsage(ctx, domainMetering.MeterUsageInput{
		ProductCode:       group.ProductCode,
		CustomerAccountID: group.CustomerAccountID,
		Dimension:         group.Dimension,
		Quantity:          group.Quantity,
		Timestamp:         time.Now(),
	})
	if err != nil {
		classification := ClassifyFailure(err)
		s.logger.Error("billing submission rejected",
			zap.String("group", group.Key().String()),
			zap.Int64("quantity", group.Quantity),
			zap.String("class", classification.Class.String()),
			zap.Error(err),
		)
		telemetry.RecordError(span, err)

		if markErr := s.records.MarkFailed(ctx, group.Members, err.Error()); markErr != nil {
			s.logger.Error("failed to mark member records as failed",
				zap.String("group", group.Key().String()),
				zap.Int("members", len(group.Members)),
				zap.Error(markErr),
			)
		}
		return GroupFailure{Group: group, Err: err, Classification: classification}, false
	}

	s.logger.Info("billing submission accepted",
		zap.String("group", group.Key().String()),
		zap.Int64("quantity", group.Quantity),
		zap.Int("members", len(group.Members)),
	)
	telemetry.AddEvent(span, "billing_submission_accepted",
		telemetry.SpanAttrGroupKey, group.Key().String(),
		telemetry.SpanAttrQuantity, group.Quantity,
	)

	// Settle members first, then bump the counter. If the process dies in
	// between, the group has already left the queue, so the counter update is
	// lost; this reconciliation gap is accepted and logged.
	if err := s.records.Settle(ctx, group.Members, output.Response); err != nil {
		s.logger.Error("failed to settle member records after successful submission",
			zap.String("group", group.Key().String()),
			zap.Int("members", len(group.Members)),
			zap.Error(err),
		)
	}

	if err := s.counters.Increment(ctx, group.ProductCode, group.CustomerAccountID, group.Dimension, group.Quantity); err != nil {
		s.logger.Error("failed to increment subscriber usage counter",
			zap.String("group", group.Key().String()),
			zap.Int64("quantity", group.Quantity),
			zap.Error(err),
		)
	} else if s.cache != nil {
		if err := s.cache.Invalidate(ctx, group.ProductCode, group.CustomerAccountID); err != nil {
			s.logger.Warn("failed to invalidate counter cache",
				zap.String("group", group.Key().String()),
				zap.Error(err),
			)
		}
	}

	return GroupFailure{}, true
}

// notifyFailures sends the single consolidated failure notification for a
// batch. Notifier failures are logged and swallowed so a notification outage
// cannot cascade into a metering outage.
func (s *SubmissionService) notifyFailures(ctx context.Context, failures []GroupFailure) {
	subject, body := BuildFailureReport(failures)
	if err := s.notifier.Notify(ctx, subject, body); err != nil {
		s.logger.Error("failed to deliver metering failure notification",
			zap.Int("failures", len(failures)),
			zap.Error(err),
		)
	}
}
