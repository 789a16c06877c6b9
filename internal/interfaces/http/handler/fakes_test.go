package handler

import (
	"context"
	"sort"
	"sync"
	"time"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// fakeRecordStore is an in-memory UsageRecordRepository for handler tests
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[domainMetering.RecordKey]*domainMetering.UsageRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[domainMetering.RecordKey]*domainMetering.UsageRecord{}}
}

func cloneRecord(r *domainMetering.UsageRecord) *domainMetering.UsageRecord {
	c := *r
	return &c
}

func (s *fakeRecordStore) Save(_ context.Context, record *domainMetering.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Key()]; ok {
		return shared.ErrAlreadyExists
	}
	s.records[record.Key()] = cloneRecord(record)
	return nil
}

func (s *fakeRecordStore) SaveBatch(ctx context.Context, records []*domainMetering.UsageRecord) error {
	for _, r := range records {
		if err := s.Save(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeRecordStore) FindByKey(_ context.Context, key domainMetering.RecordKey) (*domainMetering.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *fakeRecordStore) FindPendingPage(_ context.Context, after *domainMetering.RecordKey, limit int) ([]*domainMetering.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domainMetering.UsageRecord
	for _, r := range s.records {
		if r.Pending {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CustomerAccountID != out[j].CustomerAccountID {
			return out[i].CustomerAccountID < out[j].CustomerAccountID
		}
		return out[i].CreateTimestamp < out[j].CreateTimestamp
	})
	if after != nil {
		filtered := out[:0]
		for _, r := range out {
			if r.CustomerAccountID > after.CustomerAccountID ||
				(r.CustomerAccountID == after.CustomerAccountID && r.CreateTimestamp > after.CreateTimestamp) {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeRecordStore) Settle(_ context.Context, keys []domainMetering.RecordKey, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if r, ok := s.records[k]; ok {
			r.Pending = false
			r.Failed = false
			r.SubmissionResponse = response
		}
	}
	return nil
}

func (s *fakeRecordStore) MarkFailed(_ context.Context, keys []domainMetering.RecordKey, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if r, ok := s.records[k]; ok {
			r.Pending = false
			r.Failed = true
			r.SubmissionResponse = detail
		}
	}
	return nil
}

func (s *fakeRecordStore) Update(_ context.Context, record *domainMetering.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Key()]; !ok {
		return shared.ErrNotFound
	}
	s.records[record.Key()] = cloneRecord(record)
	return nil
}

func (s *fakeRecordStore) FindFailed(_ context.Context, page, pageSize int) ([]*domainMetering.UsageRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*domainMetering.UsageRecord
	for _, r := range s.records {
		if !r.Pending && r.Failed {
			failed = append(failed, cloneRecord(r))
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	total := int64(len(failed))
	start := (page - 1) * pageSize
	if start >= len(failed) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(failed) {
		end = len(failed)
	}
	return failed[start:end], total, nil
}

func (s *fakeRecordStore) CountByState(_ context.Context) (map[domainMetering.RecordState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domainMetering.RecordState]int64{
		domainMetering.RecordStatePending: 0,
		domainMetering.RecordStateSettled: 0,
		domainMetering.RecordStateFailed:  0,
	}
	for _, r := range s.records {
		out[r.State()]++
	}
	return out, nil
}

// fakeCounterStore is an in-memory UsageCounterRepository for handler tests
type fakeCounterStore struct {
	mu       sync.Mutex
	counters map[[3]string]*domainMetering.UsageCounter
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counters: map[[3]string]*domainMetering.UsageCounter{}}
}

func (s *fakeCounterStore) Increment(_ context.Context, productCode, customerAccountID, dimension string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [3]string{productCode, customerAccountID, dimension}
	if c, ok := s.counters[key]; ok {
		c.Total += delta
		c.UpdatedAt = time.Now()
		return nil
	}
	s.counters[key] = &domainMetering.UsageCounter{
		ProductCode:       productCode,
		CustomerAccountID: customerAccountID,
		Dimension:         dimension,
		Total:             delta,
		UpdatedAt:         time.Now(),
	}
	return nil
}

func (s *fakeCounterStore) Get(_ context.Context, productCode, customerAccountID, dimension string) (*domainMetering.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[[3]string{productCode, customerAccountID, dimension}]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (s *fakeCounterStore) ListByCustomer(_ context.Context, productCode, customerAccountID string) ([]*domainMetering.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domainMetering.UsageCounter
	for key, c := range s.counters {
		if key[0] == productCode && key[1] == customerAccountID {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dimension < out[j].Dimension })
	return out, nil
}

// fakeJobStore is an in-memory SubmissionJobRepository for handler tests
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domainMetering.SubmissionJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*domainMetering.SubmissionJob{}}
}

func cloneJob(j *domainMetering.SubmissionJob) *domainMetering.SubmissionJob {
	c := *j
	return &c
}

func (s *fakeJobStore) Save(_ context.Context, jobs ...*domainMetering.SubmissionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

func (s *fakeJobStore) FindPending(_ context.Context, limit int) ([]*domainMetering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domainMetering.SubmissionJob
	for _, j := range s.jobs {
		if j.Status == domainMetering.JobStatusPending && len(out) < limit {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (s *fakeJobStore) FindRetryable(_ context.Context, before time.Time, limit int) ([]*domainMetering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domainMetering.SubmissionJob
	for _, j := range s.jobs {
		if j.Status == domainMetering.JobStatusFailed && j.NextRetryAt != nil && j.NextRetryAt.Before(before) && len(out) < limit {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (s *fakeJobStore) FindByID(_ context.Context, id uuid.UUID) (*domainMetering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *fakeJobStore) FindByStatus(_ context.Context, status domainMetering.JobStatus, page, pageSize int) ([]*domainMetering.SubmissionJob, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matching []*domainMetering.SubmissionJob
	for _, j := range s.jobs {
		if j.Status == status {
			matching = append(matching, cloneJob(j))
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		return matching[i].UpdatedAt.After(matching[j].UpdatedAt)
	})
	total := int64(len(matching))
	start := (page - 1) * pageSize
	if start >= len(matching) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matching) {
		end = len(matching)
	}
	return matching[start:end], total, nil
}

func (s *fakeJobStore) MarkProcessing(_ context.Context, ids []uuid.UUID) ([]*domainMetering.SubmissionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domainMetering.SubmissionJob
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
		if err := j.MarkProcessing(); err != nil {
			continue
		}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *fakeJobStore) Update(_ context.Context, job *domainMetering.SubmissionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return shared.ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *fakeJobStore) DeleteCompletedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, j := range s.jobs {
		if j.Status == domainMetering.JobStatusCompleted && j.ProcessedAt != nil && j.ProcessedAt.Before(before) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeJobStore) CountByStatus(_ context.Context) (map[domainMetering.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domainMetering.JobStatus]int64{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}
