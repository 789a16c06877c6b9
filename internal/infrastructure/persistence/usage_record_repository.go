package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormUsageRecordRepository implements UsageRecordRepository using GORM
type GormUsageRecordRepository struct {
	db *gorm.DB
}

// NewGormUsageRecordRepository creates a new GormUsageRecordRepository
func NewGormUsageRecordRepository(db *gorm.DB) *GormUsageRecordRepository {
	return &GormUsageRecordRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormUsageRecordRepository) WithTx(tx *gorm.DB) *GormUsageRecordRepository {
	return &GormUsageRecordRepository{db: tx}
}

// Save persists a new usage record. A composite-key collision surfaces as
// shared.ErrAlreadyExists so the caller can retry with a fresh timestamp.
func (r *GormUsageRecordRepository) Save(ctx context.Context, record *metering.UsageRecord) error {
	var model models.UsageRecordModel
	model.FromDomain(record)
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// SaveBatch persists multiple usage records in a single transaction
func (r *GormUsageRecordRepository) SaveBatch(ctx context.Context, records []*metering.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]models.UsageRecordModel, len(records))
	for i, record := range records {
		rows[i].FromDomain(record)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// FindByKey retrieves a usage record by its composite key
func (r *GormUsageRecordRepository) FindByKey(ctx context.Context, key metering.RecordKey) (*metering.UsageRecord, error) {
	var model models.UsageRecordModel
	err := r.db.WithContext(ctx).
		Where("customer_account_id = ? AND create_timestamp = ?", key.CustomerAccountID, key.CreateTimestamp).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindPendingPage retrieves one page of the pending index, ordered by the
// composite key so a caller can continue from the last key of the previous
// page
func (r *GormUsageRecordRepository) FindPendingPage(ctx context.Context, after *metering.RecordKey, limit int) ([]*metering.UsageRecord, error) {
	query := r.db.WithContext(ctx).
		Where("metering_pending = ?", models.MeteringPendingTrue)

	if after != nil {
		// Keyset continuation over the composite key. Spelled out as a
		// disjunction because not every dialect supports row-value
		// comparison.
		query = query.Where(
			"customer_account_id > ? OR (customer_account_id = ? AND create_timestamp > ?)",
			after.CustomerAccountID, after.CustomerAccountID, after.CreateTimestamp,
		)
	}

	var rows []models.UsageRecordModel
	err := query.
		Order("customer_account_id ASC, create_timestamp ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]*metering.UsageRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ToDomain()
	}
	return records, nil
}

// Settle marks every given record as successfully submitted. The update is a
// point write per composite key and is idempotent: settling an already
// settled record rewrites the same terminal state.
func (r *GormUsageRecordRepository) Settle(ctx context.Context, keys []metering.RecordKey, response string) error {
	return r.updateByKeys(ctx, keys, map[string]interface{}{
		"metering_pending":    models.MeteringPendingFalse,
		"metering_failed":     false,
		"submission_response": response,
		"updated_at":          time.Now(),
	})
}

// MarkFailed marks every given record as rejected by the billing authority
func (r *GormUsageRecordRepository) MarkFailed(ctx context.Context, keys []metering.RecordKey, detail string) error {
	return r.updateByKeys(ctx, keys, map[string]interface{}{
		"metering_pending":    models.MeteringPendingFalse,
		"metering_failed":     true,
		"submission_response": detail,
		"updated_at":          time.Now(),
	})
}

func (r *GormUsageRecordRepository) updateByKeys(ctx context.Context, keys []metering.RecordKey, values map[string]interface{}) error {
	if len(keys) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			err := tx.Model(&models.UsageRecordModel{}).
				Where("customer_account_id = ? AND create_timestamp = ?", key.CustomerAccountID, key.CreateTimestamp).
				Updates(values).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Update writes the reconciliation fields of a single record
func (r *GormUsageRecordRepository) Update(ctx context.Context, record *metering.UsageRecord) error {
	record.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Model(&models.UsageRecordModel{}).
		Where("customer_account_id = ? AND create_timestamp = ?", record.CustomerAccountID, record.CreateTimestamp).
		Updates(map[string]interface{}{
			"metering_pending":    models.PendingTag(record.Pending),
			"metering_failed":     record.Failed,
			"submission_response": record.SubmissionResponse,
			"updated_at":          record.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindFailed retrieves failed records with pagination, newest first
func (r *GormUsageRecordRepository) FindFailed(ctx context.Context, page, pageSize int) ([]*metering.UsageRecord, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.UsageRecordModel{}).
		Where("metering_failed = ?", true).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.UsageRecordModel
	offset := (page - 1) * pageSize
	if err := r.db.WithContext(ctx).
		Where("metering_failed = ?", true).
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	records := make([]*metering.UsageRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ToDomain()
	}
	return records, total, nil
}

// CountByState returns the number of records in each reconciliation state
func (r *GormUsageRecordRepository) CountByState(ctx context.Context) (map[metering.RecordState]int64, error) {
	type stateCount struct {
		MeteringPending string
		MeteringFailed  bool
		Count           int64
	}

	var results []stateCount
	err := r.db.WithContext(ctx).
		Model(&models.UsageRecordModel{}).
		Select("metering_pending, metering_failed, count(*) as count").
		Group("metering_pending, metering_failed").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := map[metering.RecordState]int64{
		metering.RecordStatePending: 0,
		metering.RecordStateSettled: 0,
		metering.RecordStateFailed:  0,
	}
	for _, row := range results {
		switch {
		case row.MeteringPending == models.MeteringPendingTrue:
			counts[metering.RecordStatePending] += row.Count
		case row.MeteringFailed:
			counts[metering.RecordStateFailed] += row.Count
		default:
			counts[metering.RecordStateSettled] += row.Count
		}
	}
	return counts, nil
}

// Ensure GormUsageRecordRepository implements UsageRecordRepository
var _ metering.UsageRecordRepository = (*GormUsageRecordRepository)(nil)
