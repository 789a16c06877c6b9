package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRecordStore is an in-memory UsageRecordRepository
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[metering.RecordKey]*metering.UsageRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[metering.RecordKey]*metering.UsageRecord)}
}

func (s *fakeRecordStore) Save(ctx context.Context, record *metering.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[record.Key()] = &clone
	return nil
}

func (s *fakeRecordStore) SaveBatch(ctx context.Context, records []*metering.UsageRecord) error {
	for _, record := range records {
		if err := s.Save(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeRecordStore) FindByKey(ctx context.Context, key metering.RecordKey) (*metering.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *fakeRecordStore) FindPendingPage(ctx context.Context, after *metering.RecordKey, limit int) ([]*metering.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []metering.RecordKey
	for key, record := range s.records {
		if record.Pending {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CustomerAccountID != keys[j].CustomerAccountID {
			return keys[i].CustomerAccountID < keys[j].CustomerAccountID
		}
		return keys[i].CreateTimestamp < keys[j].CreateTimestamp
	})

	var page []*metering.UsageRecord
	for _, key := range keys {
		if after != nil {
			if key.CustomerAccountID < after.CustomerAccountID {
				continue
			}
			if key.CustomerAccountID == after.CustomerAccountID && key.CreateTimestamp <= after.CreateTimestamp {
				continue
			}
		}
		clone := *s.records[key]
		page = append(page, &clone)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeRecordStore) Settle(ctx context.Context, keys []metering.RecordKey, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if record, ok := s.records[key]; ok {
			record.Pending = false
			record.Failed = false
			record.SubmissionResponse = response
		}
	}
	return nil
}

func (s *fakeRecordStore) MarkFailed(ctx context.Context, keys []metering.RecordKey, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if record, ok := s.records[key]; ok {
			record.Pending = false
			record.Failed = true
			record.SubmissionResponse = detail
		}
	}
	return nil
}

func (s *fakeRecordStore) Update(ctx context.Context, record *metering.UsageRecord) error {
	return s.Save(ctx, record)
}

func (s *fakeRecordStore) FindFailed(ctx context.Context, page, pageSize int) ([]*metering.UsageRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*metering.UsageRecord
	for _, record := range s.records {
		if record.Failed {
			clone := *record
			failed = append(failed, &clone)
		}
	}
	return failed, int64(len(failed)), nil
}

func (s *fakeRecordStore) CountByState(ctx context.Context) (map[metering.RecordState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[metering.RecordState]int64)
	for _, record := range s.records {
		counts[record.State()]++
	}
	return counts, nil
}

// fakeJobStore is an in-memory SubmissionJobRepository
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*metering.SubmissionJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*metering.SubmissionJob)}
}

func (s *fakeJobStore) Save(ctx context.Context, jobs ...*metering.SubmissionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		clone := *job
		s.jobs[job.ID] = &clone
	}
	return nil
}

func (s *fakeJobStore) FindPending(ctx context.Context, limit int) ([]*metering.SubmissionJob, error) {
	return s.findByStatus(metering.JobStatusPending, limit), nil
}

func (s *fakeJobStore) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*metering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*metering.SubmissionJob
	for _, job := range s.jobs {
		if job.Status == metering.JobStatusFailed && job.NextRetryAt != nil && !job.NextRetryAt.After(before) {
			clone := *job
			out = append(out, &clone)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeJobStore) findByStatus(status metering.JobStatus, limit int) []*metering.SubmissionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*metering.SubmissionJob
	for _, job := range s.jobs {
		if job.Status == status {
			clone := *job
			out = append(out, &clone)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *fakeJobStore) FindByID(ctx context.Context, id uuid.UUID) (*metering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *fakeJobStore) FindByStatus(ctx context.Context, status metering.JobStatus, page, pageSize int) ([]*metering.SubmissionJob, int64, error) {
	jobs := s.findByStatus(status, pageSize)
	return jobs, int64(len(jobs)), nil
}

func (s *fakeJobStore) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*metering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []*metering.SubmissionJob
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status != metering.JobStatusPending && job.Status != metering.JobStatusFailed {
			continue
		}
		job.Status = metering.JobStatusProcessing
		clone := *job
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (s *fakeJobStore) Update(ctx context.Context, job *metering.SubmissionJob) error {
	return s.Save(ctx, job)
}

func (s *fakeJobStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, job := range s.jobs {
		if job.Status == metering.JobStatusCompleted && job.ProcessedAt != nil && job.ProcessedAt.Before(before) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeJobStore) CountByStatus(ctx context.Context) (map[metering.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[metering.JobStatus]int64)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// fakeCounters is an in-memory UsageCounterRepository
type fakeCounters struct {
	mu     sync.Mutex
	totals map[string]int64
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{totals: make(map[string]int64)}
}

func (c *fakeCounters) Increment(ctx context.Context, productCode, customerAccountID, dimension string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[productCode+"/"+customerAccountID+"/"+dimension] += delta
	return nil
}

func (c *fakeCounters) Get(ctx context.Context, productCode, customerAccountID, dimension string) (*metering.UsageCounter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, ok := c.totals[productCode+"/"+customerAccountID+"/"+dimension]
	if !ok {
		return nil, nil
	}
	return &metering.UsageCounter{
		ProductCode:       productCode,
		CustomerAccountID: customerAccountID,
		Dimension:         dimension,
		Total:             total,
	}, nil
}

func (c *fakeCounters) ListByCustomer(ctx context.Context, productCode, customerAccountID string) ([]*metering.UsageCounter, error) {
	return nil, nil
}

// fakeAuthority accepts or rejects submissions per dimension
type fakeAuthority struct {
	mu       sync.Mutex
	rejected map[string]error
	calls    int
}

func (a *fakeAuthority) MeterUsage(ctx context.Context, input metering.MeterUsageInput) (*metering.MeterUsageResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if err, ok := a.rejected[input.Dimension]; ok {
		return nil, err
	}
	return &metering.MeterUsageResult{Response: "accepted"}, nil
}

// fakeNotifier records notifications
type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

func mustPending(t *testing.T, customer, product, dimension string, quantity, ts int64) *metering.UsageRecord {
	t.Helper()
	record, err := metering.NewUsageRecord(customer, product, dimension, quantity, ts)
	require.NoError(t, err)
	return record
}

func TestPipeline_AggregateThenSubmit(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	records := newFakeRecordStore()
	jobs := newFakeJobStore()
	counters := newFakeCounters()
	authority := &fakeAuthority{rejected: map[string]error{
		"admin_users": errors.New("InvalidUsageDimensionException"),
	}}
	notifier := &fakeNotifier{}

	require.NoError(t, records.SaveBatch(ctx, []*metering.UsageRecord{
		mustPending(t, "cust-1", "prod-a", "users", 10, 1000),
		mustPending(t, "cust-1", "prod-a", "users", 5, 2000),
		mustPending(t, "cust-1", "prod-a", "admin_users", 2, 3000),
		mustPending(t, "cust-2", "prod-a", "users", 7, 4000),
	}))

	submissionQueue := queue.NewGormSubmissionQueue(jobs, logger)
	aggregation := appmetering.NewAggregationService(records, submissionQueue, logger, appmetering.DefaultAggregationConfig())
	submission := appmetering.NewSubmissionService(records, counters, authority, notifier, nil, logger)
	worker := NewSubmitWorker(jobs, submission, DefaultSubmitWorkerConfig(), logger)

	// Aggregator stage: three groups land on the queue
	result, err := aggregation.RunAggregationCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.RecordsScanned)
	assert.Equal(t, 3, result.GroupsEnqueued)

	counts, err := jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[metering.JobStatusPending])

	// Submitter stage: one poll drains the queue
	worker.poll(ctx)

	counts, err = jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[metering.JobStatusCompleted])
	assert.Equal(t, 3, authority.calls)

	// Accepted groups settle their members and bump counters
	settled, err := records.FindByKey(ctx, metering.RecordKey{CustomerAccountID: "cust-1", CreateTimestamp: 1000})
	require.NoError(t, err)
	assert.Equal(t, metering.RecordStateSettled, settled.State())

	counter, err := counters.Get(ctx, "prod-a", "cust-1", "users")
	require.NoError(t, err)
	assert.Equal(t, int64(15), counter.Total)

	// The rejected group fails its member and raises one notification
	failed, err := records.FindByKey(ctx, metering.RecordKey{CustomerAccountID: "cust-1", CreateTimestamp: 3000})
	require.NoError(t, err)
	assert.Equal(t, metering.RecordStateFailed, failed.State())

	require.Len(t, notifier.subjects, 1)
	assert.Equal(t, "Usage metering: 1 submission(s) rejected", notifier.subjects[0])
	assert.Contains(t, notifier.bodies[0], "INVALID_USAGE_DIMENSION")

	// Rerunning the cycle finds nothing pending
	result, err = aggregation.RunAggregationCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RecordsScanned)
}

func TestSubmitWorker_QuarantinesUndecodableJobs(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	records := newFakeRecordStore()
	jobs := newFakeJobStore()
	authority := &fakeAuthority{}
	notifier := &fakeNotifier{}

	submission := appmetering.NewSubmissionService(records, newFakeCounters(), authority, notifier, nil, logger)
	worker := NewSubmitWorker(jobs, submission, DefaultSubmitWorkerConfig(), logger)

	bad := metering.NewSubmissionJob("prod-a/cust-1/users", 99, []byte(`{}`))
	require.NoError(t, jobs.Save(ctx, bad))

	worker.poll(ctx)

	quarantined, err := jobs.FindByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, metering.JobStatusQuarantined, quarantined.Status)
	assert.Contains(t, quarantined.LastError, "unknown group payload schema version")
	assert.Equal(t, 0, authority.calls)
}

func TestAggregationScheduler_StartStop(t *testing.T) {
	logger := zap.NewNop()
	records := newFakeRecordStore()
	jobs := newFakeJobStore()

	aggregation := appmetering.NewAggregationService(
		records,
		queue.NewGormSubmissionQueue(jobs, logger),
		logger,
		appmetering.DefaultAggregationConfig(),
	)

	config := DefaultAggregationSchedulerConfig()
	config.Interval = 10 * time.Millisecond
	scheduler := NewAggregationScheduler(aggregation, logger, config)

	require.NoError(t, scheduler.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, scheduler.Stop(stopCtx))

	// Stop is idempotent
	require.NoError(t, scheduler.Stop(stopCtx))
}

func TestAggregationScheduler_TriggerCycle(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	records := newFakeRecordStore()
	jobs := newFakeJobStore()

	require.NoError(t, records.Save(ctx, mustPending(t, "cust-1", "prod-a", "users", 10, 1000)))

	aggregation := appmetering.NewAggregationService(
		records,
		queue.NewGormSubmissionQueue(jobs, logger),
		logger,
		appmetering.DefaultAggregationConfig(),
	)
	scheduler := NewAggregationScheduler(aggregation, logger, DefaultAggregationSchedulerConfig())

	result, ran, err := scheduler.TriggerCycle(ctx)

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, result.GroupsEnqueued)
}
