package metering

import (
	"context"
	"fmt"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueService exposes the submission queue to operators: health counts,
// inspection of stuck jobs and requeue of quarantined payloads.
type QueueService struct {
	jobs   domainMetering.SubmissionJobRepository
	logger *zap.Logger
}

// NewQueueService creates a new queue service
func NewQueueService(jobs domainMetering.SubmissionJobRepository, logger *zap.Logger) *QueueService {
	return &QueueService{jobs: jobs, logger: logger}
}

// GetStats returns the number of jobs in each queue status
func (s *QueueService) GetStats(ctx context.Context) (map[domainMetering.JobStatus]int64, error) {
	return s.jobs.CountByStatus(ctx)
}

// ListByStatus lists jobs in a given status with pagination, oldest first
func (s *QueueService) ListByStatus(ctx context.Context, status domainMetering.JobStatus, page, pageSize int) ([]*domainMetering.SubmissionJob, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return s.jobs.FindByStatus(ctx, status, page, pageSize)
}

// RequeueJob puts a dead or quarantined job back into the pending state so a
// worker picks it up again
func (s *QueueService) RequeueJob(ctx context.Context, id uuid.UUID) (*domainMetering.SubmissionJob, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := job.ResetForRetry(); err != nil {
		return nil, err
	}

	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to requeue submission job: %w", err)
	}

	s.logger.Info("submission job requeued",
		zap.String("job_id", job.ID.String()),
		zap.String("group_key", job.GroupKey),
	)
	return job, nil
}
