package queue

import (
	"context"
	"errors"
	"time"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSubmissionJobRepository implements SubmissionJobRepository using GORM
type GormSubmissionJobRepository struct {
	db *gorm.DB
}

// NewGormSubmissionJobRepository creates a new GORM-based submission job repository
func NewGormSubmissionJobRepository(db *gorm.DB) *GormSubmissionJobRepository {
	return &GormSubmissionJobRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormSubmissionJobRepository) WithTx(tx *gorm.DB) *GormSubmissionJobRepository {
	return &GormSubmissionJobRepository{db: tx}
}

// Save persists one or more jobs
func (r *GormSubmissionJobRepository) Save(ctx context.Context, jobs ...*metering.SubmissionJob) error {
	if len(jobs) == 0 {
		return nil
	}

	rows := make([]models.SubmissionJobModel, len(jobs))
	for i, job := range jobs {
		rows[i].FromDomain(job)
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// FindPending retrieves pending jobs up to the specified limit
func (r *GormSubmissionJobRepository) FindPending(ctx context.Context, limit int) ([]*metering.SubmissionJob, error) {
	var rows []models.SubmissionJobModel
	err := r.db.WithContext(ctx).
		Where("status = ?", metering.JobStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainJobs(rows), nil
}

// FindRetryable retrieves failed jobs that are due for retry
func (r *GormSubmissionJobRepository) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*metering.SubmissionJob, error) {
	var rows []models.SubmissionJobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", metering.JobStatusFailed, before).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainJobs(rows), nil
}

// MarkProcessing atomically claims jobs and returns them. Claiming uses FOR
// UPDATE SKIP LOCKED so concurrent workers never double-process a job.
func (r *GormSubmissionJobRepository) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*metering.SubmissionJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []models.SubmissionJobModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			}).
			Where("id IN ? AND status IN ?", ids, []metering.JobStatus{
				metering.JobStatusPending,
				metering.JobStatusFailed,
			}).
			Find(&rows).Error; err != nil {
			return err
		}

		if len(rows) == 0 {
			return nil
		}

		claimed := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			claimed[i] = row.ID
		}

		now := time.Now()
		if err := tx.Model(&models.SubmissionJobModel{}).
			Where("id IN ?", claimed).
			Updates(map[string]interface{}{
				"status":     metering.JobStatusProcessing,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range rows {
			rows[i].Status = metering.JobStatusProcessing
			rows[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toDomainJobs(rows), nil
}

// FindByID retrieves a single job by ID
func (r *GormSubmissionJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.SubmissionJob, error) {
	var model models.SubmissionJobModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByStatus retrieves jobs in a given status with pagination
func (r *GormSubmissionJobRepository) FindByStatus(ctx context.Context, status metering.JobStatus, page, pageSize int) ([]*metering.SubmissionJob, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.SubmissionJobModel{}).
		Where("status = ?", status).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.SubmissionJobModel
	offset := (page - 1) * pageSize
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	return toDomainJobs(rows), total, nil
}

// Update updates an existing job
func (r *GormSubmissionJobRepository) Update(ctx context.Context, job *metering.SubmissionJob) error {
	job.UpdatedAt = time.Now()
	var model models.SubmissionJobModel
	model.FromDomain(job)
	return r.db.WithContext(ctx).Save(&model).Error
}

// DeleteCompletedBefore deletes completed jobs older than the given time
func (r *GormSubmissionJobRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", metering.JobStatusCompleted, before).
		Delete(&models.SubmissionJobModel{})
	return result.RowsAffected, result.Error
}

// CountByStatus returns the number of jobs in each status
func (r *GormSubmissionJobRepository) CountByStatus(ctx context.Context) (map[metering.JobStatus]int64, error) {
	type statusCount struct {
		Status metering.JobStatus
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&models.SubmissionJobModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[metering.JobStatus]int64)
	for _, row := range results {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func toDomainJobs(rows []models.SubmissionJobModel) []*metering.SubmissionJob {
	jobs := make([]*metering.SubmissionJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].ToDomain()
	}
	return jobs
}

// Ensure GormSubmissionJobRepository implements SubmissionJobRepository
var _ metering.SubmissionJobRepository = (*GormSubmissionJobRepository)(nil)
