package queue

import (
	"context"
	"fmt"

	"github.com/metering/backend/internal/domain/metering"
	"go.uber.org/zap"
)

// GormSubmissionQueue implements the durable SubmissionQueue on top of the
// submission job table. Enqueue is a single insert, so a caller running
// inside a transaction gets exactly-once enqueue with its own writes.
type GormSubmissionQueue struct {
	jobs   metering.SubmissionJobRepository
	logger *zap.Logger
}

// NewGormSubmissionQueue creates a new database-backed submission queue
func NewGormSubmissionQueue(jobs metering.SubmissionJobRepository, logger *zap.Logger) *GormSubmissionQueue {
	return &GormSubmissionQueue{jobs: jobs, logger: logger}
}

// Enqueue encodes the group and persists it as a pending job
func (q *GormSubmissionQueue) Enqueue(ctx context.Context, group *metering.AggregationGroup) error {
	payload, err := EncodeGroup(group)
	if err != nil {
		return fmt.Errorf("failed to encode aggregation group: %w", err)
	}

	job := metering.NewSubmissionJob(group.Key().String(), GroupSchemaVersion, payload)
	if err := q.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue submission job: %w", err)
	}

	q.logger.Debug("aggregation group enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("group", job.GroupKey),
		zap.Int64("quantity", group.Quantity),
		zap.Int("members", len(group.Members)),
	)
	return nil
}

// Ensure GormSubmissionQueue implements SubmissionQueue
var _ metering.SubmissionQueue = (*GormSubmissionQueue)(nil)
