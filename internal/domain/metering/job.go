package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a submission queue job
type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusProcessing  JobStatus = "PROCESSING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusDead        JobStatus = "DEAD"
	JobStatusQuarantined JobStatus = "QUARANTINED"
)

// Default retry configuration
const (
	DefaultJobMaxRetries = 5
	DefaultJobBackoff    = time.Second
)

// SubmissionJob is one aggregation group in flight on the durable queue.
// The payload is a versioned encoding of the group; jobs whose payload fails
// to decode are quarantined rather than crashing the batch.
type SubmissionJob struct {
	ID            uuid.UUID
	GroupKey      string // denormalized key for diagnostics
	SchemaVersion int
	Payload       []byte
	Status        JobStatus
	RetryCount    int
	MaxRetries    int
	LastError     string
	NextRetryAt   *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSubmissionJob creates a pending queue job carrying an encoded
// aggregation group
func NewSubmissionJob(groupKey string, schemaVersion int, payload []byte) *SubmissionJob {
	now := time.Now()
	return &SubmissionJob{
		ID:            uuid.New(),
		GroupKey:      groupKey,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		Status:        JobStatusPending,
		MaxRetries:    DefaultJobMaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanRetry returns true if the job can be retried
func (j *SubmissionJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkProcessing marks the job as claimed by a submit worker
func (j *SubmissionJob) MarkProcessing() error {
	if j.Status != JobStatusPending && j.Status != JobStatusFailed {
		return errors.New("can only mark pending or failed jobs as processing")
	}
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted marks the job as processed. The billing outcome itself lives
// on the member records; completion only means the group got its one call.
func (j *SubmissionJob) MarkCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.ProcessedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a processing failure and schedules the next retry with
// exponential backoff. Jobs out of retries go to DEAD.
func (j *SubmissionJob) MarkFailed(errMsg string) {
	j.RetryCount++
	j.LastError = errMsg
	j.UpdatedAt = time.Now()

	if j.RetryCount >= j.MaxRetries {
		j.Status = JobStatusDead
	} else {
		j.Status = JobStatusFailed
		// Exponential backoff: 1s, 2s, 4s, 8s, ...
		backoff := DefaultJobBackoff * time.Duration(1<<uint(j.RetryCount-1))
		nextRetry := time.Now().Add(backoff)
		j.NextRetryAt = &nextRetry
	}
}

// Quarantine parks a job whose payload could not be decoded. Quarantined
// jobs are never retried automatically.
func (j *SubmissionJob) Quarantine(reason string) {
	j.Status = JobStatusQuarantined
	j.LastError = reason
	j.UpdatedAt = time.Now()
}

// ResetForRetry returns a dead or quarantined job to the pending set
func (j *SubmissionJob) ResetForRetry() error {
	if j.Status != JobStatusDead && j.Status != JobStatusQuarantined {
		return errors.New("can only retry dead or quarantined jobs")
	}
	j.Status = JobStatusPending
	j.RetryCount = 0
	j.LastError = ""
	j.NextRetryAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

// SubmissionJobRepository defines the interface for queue persistence
type SubmissionJobRepository interface {
	// Save persists one or more jobs
	Save(ctx context.Context, jobs ...*SubmissionJob) error
	// FindPending retrieves pending jobs up to the specified limit
	FindPending(ctx context.Context, limit int) ([]*SubmissionJob, error)
	// FindRetryable retrieves failed jobs that are due for retry
	FindRetryable(ctx context.Context, before time.Time, limit int) ([]*SubmissionJob, error)
	// FindByID retrieves a single job by ID
	FindByID(ctx context.Context, id uuid.UUID) (*SubmissionJob, error)
	// FindByStatus retrieves jobs in a given status with pagination
	FindByStatus(ctx context.Context, status JobStatus, page, pageSize int) ([]*SubmissionJob, int64, error)
	// MarkProcessing atomically claims jobs and returns them
	MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*SubmissionJob, error)
	// Update updates an existing job
	Update(ctx context.Context, job *SubmissionJob) error
	// DeleteCompletedBefore deletes completed jobs older than the given time
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	// CountByStatus returns the number of jobs in each status
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}
