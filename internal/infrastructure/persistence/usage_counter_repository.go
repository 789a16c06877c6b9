package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormUsageCounterRepository implements UsageCounterRepository using GORM.
// Increments are additive upserts so concurrent submit workers never lose an
// update and replays of the same delta only ever add, never overwrite.
type GormUsageCounterRepository struct {
	db *gorm.DB
}

// NewGormUsageCounterRepository creates a new GormUsageCounterRepository
func NewGormUsageCounterRepository(db *gorm.DB) *GormUsageCounterRepository {
	return &GormUsageCounterRepository{db: db}
}

// Increment additively raises the counter for the given key, creating it at
// delta if absent
func (r *GormUsageCounterRepository) Increment(ctx context.Context, productCode, customerAccountID, dimension string, delta int64) error {
	row := models.UsageCounterModel{
		ProductCode:       productCode,
		CustomerAccountID: customerAccountID,
		Dimension:         dimension,
		Total:             delta,
		UpdatedAt:         time.Now(),
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "product_code"},
				{Name: "customer_account_id"},
				{Name: "dimension"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total":      gorm.Expr("usage_counters.total + ?", delta),
				"updated_at": time.Now(),
			}),
		}).
		Create(&row).Error
}

// Get retrieves a single counter, or nil when no usage has been billed for
// the key
func (r *GormUsageCounterRepository) Get(ctx context.Context, productCode, customerAccountID, dimension string) (*metering.UsageCounter, error) {
	var model models.UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("product_code = ? AND customer_account_id = ? AND dimension = ?", productCode, customerAccountID, dimension).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListByCustomer retrieves all counters for a product/customer pair
func (r *GormUsageCounterRepository) ListByCustomer(ctx context.Context, productCode, customerAccountID string) ([]*metering.UsageCounter, error) {
	var rows []models.UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("product_code = ? AND customer_account_id = ?", productCode, customerAccountID).
		Order("dimension ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counters := make([]*metering.UsageCounter, len(rows))
	for i := range rows {
		counters[i] = rows[i].ToDomain()
	}
	return counters, nil
}

// Ensure GormUsageCounterRepository implements UsageCounterRepository
var _ metering.UsageCounterRepository = (*GormUsageCounterRepository)(nil)
