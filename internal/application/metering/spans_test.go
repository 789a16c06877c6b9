package metering

import (
	"context"
	"errors"
	"testing"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// setupSpanRecorder installs an in-memory tracer provider and restores the
// previous one on cleanup
func setupSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	return sr
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

func TestAggregationCycle_EmitsSpan(t *testing.T) {
	sr := setupSpanRecorder(t)
	ctx := context.Background()

	records := new(MockUsageRecordRepository)
	queue := new(MockSubmissionQueue)
	service := NewAggregationService(records, queue, zap.NewNop(), DefaultAggregationConfig())

	records.On("FindPendingPage", mock.Anything, (*domainMetering.RecordKey)(nil), 500).
		Return([]*domainMetering.UsageRecord{}, nil).Once()

	_, err := service.RunAggregationCycle(ctx)
	assert.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "aggregation.run_cycle", spans[0].Name())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestAggregationCycle_ScanFailureMarksSpan(t *testing.T) {
	sr := setupSpanRecorder(t)
	ctx := context.Background()

	records := new(MockUsageRecordRepository)
	queue := new(MockSubmissionQueue)
	service := NewAggregationService(records, queue, zap.NewNop(), DefaultAggregationConfig())

	records.On("FindPendingPage", mock.Anything, (*domainMetering.RecordKey)(nil), 500).
		Return(nil, errors.New("connection reset")).Once()

	_, err := service.RunAggregationCycle(ctx)
	assert.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestProcessBatch_EmitsSpans(t *testing.T) {
	sr := setupSpanRecorder(t)
	ctx := context.Background()

	records := new(MockUsageRecordRepository)
	counters := new(MockUsageCounterRepository)
	authority := new(MockMeteringAuthority)
	notifier := new(MockNotifier)
	service := NewSubmissionService(records, counters, authority, notifier, nil, zap.NewNop())

	group := testGroup("cust-1", 15, 1000, 2000)

	authority.On("MeterUsage", mock.Anything, mock.Anything).
		Return(&domainMetering.MeterUsageResult{Response: "ok"}, nil).Once()
	records.On("Settle", mock.Anything, group.Members, "ok").Return(nil).Once()
	counters.On("Increment", mock.Anything, "prod-a", "cust-1", "users", int64(15)).Return(nil).Once()

	_, err := service.ProcessBatch(ctx, []*domainMetering.AggregationGroup{group})
	assert.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Contains(t, spanNames(spans), "submission.process_batch")
	assert.Contains(t, spanNames(spans), "submission.process_group")
}

func TestProcessBatch_RejectionMarksGroupSpan(t *testing.T) {
	sr := setupSpanRecorder(t)
	ctx := context.Background()

	records := new(MockUsageRecordRepository)
	counters := new(MockUsageCounterRepository)
	authority := new(MockMeteringAuthority)
	notifier := new(MockNotifier)
	service := NewSubmissionService(records, counters, authority, notifier, nil, zap.NewNop())

	group := testGroup("cust-1", 5, 1000)

	authority.On("MeterUsage", mock.Anything, mock.Anything).
		Return(nil, errors.New("throttling: rate exceeded")).Once()
	records.On("MarkFailed", mock.Anything, group.Members, mock.AnythingOfType("string")).Return(nil).Once()
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("string")).Return(nil).Once()

	_, err := service.ProcessBatch(ctx, []*domainMetering.AggregationGroup{group})
	assert.NoError(t, err)

	var groupSpan sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "submission.process_group" {
			groupSpan = s
		}
	}
	require.NotNil(t, groupSpan)
	assert.Equal(t, codes.Error, groupSpan.Status().Code)
}
