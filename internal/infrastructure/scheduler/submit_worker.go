package scheduler

import (
	"context"
	"sync"
	"time"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitWorkerConfig holds configuration for the submit worker
type SubmitWorkerConfig struct {
	BatchSize        int
	PollInterval     time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultSubmitWorkerConfig returns default configuration
func DefaultSubmitWorkerConfig() SubmitWorkerConfig {
	return SubmitWorkerConfig{
		BatchSize:        25,
		PollInterval:     5 * time.Second,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// SubmitWorker drains the submission queue in the background. Each poll
// claims a batch of jobs, decodes them back into aggregation groups and hands
// the whole batch to the submission service so the batch gets one
// consolidated failure notification. Jobs whose payload fails to decode are
// quarantined; decoded jobs complete after their one billing call regardless
// of the billing outcome.
type SubmitWorker struct {
	jobs       metering.SubmissionJobRepository
	submission *appmetering.SubmissionService
	config     SubmitWorkerConfig
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubmitWorker creates a new submit worker
func NewSubmitWorker(
	jobs metering.SubmissionJobRepository,
	submission *appmetering.SubmissionService,
	config SubmitWorkerConfig,
	logger *zap.Logger,
) *SubmitWorker {
	return &SubmitWorker{
		jobs:       jobs,
		submission: submission,
		config:     config,
		logger:     logger,
	}
}

// Start starts the background processing
func (w *SubmitWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.config.CleanupEnabled {
		w.wg.Add(1)
		go w.cleanupLoop(ctx)
	}

	w.logger.Info("submit worker started",
		zap.Int("batch_size", w.config.BatchSize),
		zap.Duration("poll_interval", w.config.PollInterval),
	)

	return nil
}

// Stop gracefully stops the worker
func (w *SubmitWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("submit worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *SubmitWorker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll claims and processes one batch of pending and retryable jobs
func (w *SubmitWorker) poll(ctx context.Context) {
	pending, err := w.jobs.FindPending(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to find pending submission jobs", zap.Error(err))
		return
	}
	if len(pending) > 0 {
		w.processJobs(ctx, pending)
	}

	retryable, err := w.jobs.FindRetryable(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to find retryable submission jobs", zap.Error(err))
		return
	}
	if len(retryable) > 0 {
		w.processJobs(ctx, retryable)
	}
}

func (w *SubmitWorker) processJobs(ctx context.Context, candidates []*metering.SubmissionJob) {
	ids := make([]uuid.UUID, len(candidates))
	for i, job := range candidates {
		ids[i] = job.ID
	}

	claimed, err := w.jobs.MarkProcessing(ctx, ids)
	if err != nil {
		w.logger.Error("failed to claim submission jobs", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	// Decode first so the whole claimed batch goes through the submission
	// service in one call and shares one failure notification.
	jobs := make([]*metering.SubmissionJob, 0, len(claimed))
	groups := make([]*metering.AggregationGroup, 0, len(claimed))
	for _, job := range claimed {
		group, err := queue.DecodeGroup(job.SchemaVersion, job.Payload)
		if err != nil {
			w.logger.Error("quarantining submission job with undecodable payload",
				zap.String("job_id", job.ID.String()),
				zap.String("group_key", job.GroupKey),
				zap.Int("schema_version", job.SchemaVersion),
				zap.Error(err),
			)
			job.Quarantine(err.Error())
			if updateErr := w.jobs.Update(ctx, job); updateErr != nil {
				w.logger.Error("failed to quarantine submission job", zap.Error(updateErr))
			}
			continue
		}
		jobs = append(jobs, job)
		groups = append(groups, group)
	}

	if len(groups) == 0 {
		return
	}

	result, err := w.submission.ProcessBatch(ctx, groups)
	if err != nil {
		// Only a cancelled context lands here. Groups past result.Processed
		// never got their billing call; fail them so they retry with backoff.
		w.logger.Warn("submission batch interrupted",
			zap.Int("processed", result.Processed),
			zap.Int("claimed", len(jobs)),
			zap.Error(err),
		)
	}

	for i, job := range jobs {
		if i < result.Processed {
			job.MarkCompleted()
		} else {
			job.MarkFailed("worker interrupted before submission")
		}
		if updateErr := w.jobs.Update(ctx, job); updateErr != nil {
			w.logger.Error("failed to update submission job",
				zap.String("job_id", job.ID.String()),
				zap.Error(updateErr),
			)
		}
	}

	w.logger.Info("submission batch processed",
		zap.Int("claimed", len(claimed)),
		zap.Int("submitted", result.Succeeded),
		zap.Int("rejected", result.Failed),
	)
}

func (w *SubmitWorker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *SubmitWorker) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-w.config.CleanupRetention)
	deleted, err := w.jobs.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to clean up completed submission jobs", zap.Error(err))
		return
	}
	if deleted > 0 {
		w.logger.Info("cleaned up completed submission jobs", zap.Int64("deleted", deleted))
	}
}
