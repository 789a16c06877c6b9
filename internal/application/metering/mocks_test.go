package metering

import (
	"context"
	"time"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockUsageRecordRepository is a mock implementation of UsageRecordRepository
type MockUsageRecordRepository struct {
	mock.Mock
}

func (m *MockUsageRecordRepository) Save(ctx context.Context, record *domainMetering.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockUsageRecordRepository) SaveBatch(ctx context.Context, records []*domainMetering.UsageRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockUsageRecordRepository) FindByKey(ctx context.Context, key domainMetering.RecordKey) (*domainMetering.UsageRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domainMetering.UsageRecord), args.Error(1)
}

func (m *MockUsageRecordRepository) FindPendingPage(ctx context.Context, after *domainMetering.RecordKey, limit int) ([]*domainMetering.UsageRecord, error) {
	args := m.Called(ctx, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domainMetering.UsageRecord), args.Error(1)
}

func (m *MockUsageRecordRepository) Settle(ctx context.Context, keys []domainMetering.RecordKey, response string) error {
	args := m.Called(ctx, keys, response)
	return args.Error(0)
}

func (m *MockUsageRecordRepository) MarkFailed(ctx context.Context, keys []domainMetering.RecordKey, detail string) error {
	args := m.Called(ctx, keys, detail)
	return args.Error(0)
}

func (m *MockUsageRecordRepository) Update(ctx context.Context, record *domainMetering.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockUsageRecordRepository) FindFailed(ctx context.Context, page, pageSize int) ([]*domainMetering.UsageRecord, int64, error) {
	args := m.Called(ctx, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*domainMetering.UsageRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockUsageRecordRepository) CountByState(ctx context.Context) (map[domainMetering.RecordState]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domainMetering.RecordState]int64), args.Error(1)
}

// MockUsageCounterRepository is a mock implementation of UsageCounterRepository
type MockUsageCounterRepository struct {
	mock.Mock
}

func (m *MockUsageCounterRepository) Increment(ctx context.Context, productCode, customerAccountID, dimension string, delta int64) error {
	args := m.Called(ctx, productCode, customerAccountID, dimension, delta)
	return args.Error(0)
}

func (m *MockUsageCounterRepository) Get(ctx context.Context, productCode, customerAccountID, dimension string) (*domainMetering.UsageCounter, error) {
	args := m.Called(ctx, productCode, customerAccountID, dimension)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domainMetering.UsageCounter), args.Error(1)
}

func (m *MockUsageCounterRepository) ListByCustomer(ctx context.Context, productCode, customerAccountID string) ([]*domainMetering.UsageCounter, error) {
	args := m.Called(ctx, productCode, customerAccountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domainMetering.UsageCounter), args.Error(1)
}

// MockSubmissionQueue is a mock implementation of SubmissionQueue
type MockSubmissionQueue struct {
	mock.Mock
}

func (m *MockSubmissionQueue) Enqueue(ctx context.Context, group *domainMetering.AggregationGroup) error {
	args := m.Called(ctx, group)
	return args.Error(0)
}

// MockMeteringAuthority is a mock implementation of MeteringAuthority
type MockMeteringAuthority struct {
	mock.Mock
}

func (m *MockMeteringAuthority) MeterUsage(ctx context.Context, input domainMetering.MeterUsageInput) (*domainMetering.MeterUsageResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domainMetering.MeterUsageResult), args.Error(1)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, subject, body string) error {
	args := m.Called(ctx, subject, body)
	return args.Error(0)
}

// MockCounterCache is a mock implementation of CounterCache
type MockCounterCache struct {
	mock.Mock
}

func (m *MockCounterCache) Get(ctx context.Context, productCode, customerAccountID, dimension string) (*domainMetering.UsageCounter, error) {
	args := m.Called(ctx, productCode, customerAccountID, dimension)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domainMetering.UsageCounter), args.Error(1)
}

func (m *MockCounterCache) Set(ctx context.Context, counter *domainMetering.UsageCounter, ttl time.Duration) error {
	args := m.Called(ctx, counter, ttl)
	return args.Error(0)
}

func (m *MockCounterCache) Invalidate(ctx context.Context, productCode, customerAccountID string) error {
	args := m.Called(ctx, productCode, customerAccountID)
	return args.Error(0)
}

// MockSubmissionJobRepository is a mock implementation of SubmissionJobRepository
type MockSubmissionJobRepository struct {
	mock.Mock
}

func (m *MockSubmissionJobRepository) Save(ctx context.Context, jobs ...*domainMetering.SubmissionJob) error {
	args := m.Called(ctx, jobs)
	return args.Error(0)
}

func (m *MockSubmissionJobRepository) FindPending(ctx context.Context, limit int) ([]*domainMetering.SubmissionJob, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domainMetering.SubmissionJob), args.Error(1)
}

func (m *MockSubmissionJobRepository) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*domainMetering.SubmissionJob, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domainMetering.SubmissionJob), args.Error(1)
}

func (m *MockSubmissionJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*domainMetering.SubmissionJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domainMetering.SubmissionJob), args.Error(1)
}

func (m *MockSubmissionJobRepository) FindByStatus(ctx context.Context, status domainMetering.JobStatus, page, pageSize int) ([]*domainMetering.SubmissionJob, int64, error) {
	args := m.Called(ctx, status, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*domainMetering.SubmissionJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockSubmissionJobRepository) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*domainMetering.SubmissionJob, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domainMetering.SubmissionJob), args.Error(1)
}

func (m *MockSubmissionJobRepository) Update(ctx context.Context, job *domainMetering.SubmissionJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockSubmissionJobRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSubmissionJobRepository) CountByStatus(ctx context.Context) (map[domainMetering.JobStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domainMetering.JobStatus]int64), args.Error(1)
}
