package models

import (
	"time"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/google/uuid"
)

// Pending tag values for the usage record pending column. The tag is stored
// as text rather than boolean; the pending index only ever matches the
// "true" value.
const (
	MeteringPendingTrue  = "true"
	MeteringPendingFalse = "false"
)

// UsageRecordModel is the persistence model for observed usage. The primary
// key is the composite (customer_account_id, create_timestamp); reconciliation
// updates are point writes against that key.
type UsageRecordModel struct {
	CustomerAccountID  string `gorm:"type:varchar(64);primaryKey"`
	CreateTimestamp    int64  `gorm:"primaryKey;autoIncrement:false"`
	ProductCode        string `gorm:"type:varchar(64);not null"`
	Dimension          string `gorm:"type:varchar(64);not null"`
	Quantity           int64  `gorm:"not null"`
	MeteringPending    string `gorm:"type:varchar(8);not null;default:'true';index:idx_usage_records_pending,priority:1"`
	MeteringFailed     bool   `gorm:"not null;default:false;index:idx_usage_records_failed"`
	SubmissionResponse string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName returns the table name for GORM
func (UsageRecordModel) TableName() string {
	return "usage_records"
}

// ToDomain converts the persistence model to a domain UsageRecord
func (m *UsageRecordModel) ToDomain() *metering.UsageRecord {
	return &metering.UsageRecord{
		CustomerAccountID:  m.CustomerAccountID,
		CreateTimestamp:    m.CreateTimestamp,
		ProductCode:        m.ProductCode,
		Dimension:          m.Dimension,
		Quantity:           m.Quantity,
		Pending:            m.MeteringPending == MeteringPendingTrue,
		Failed:             m.MeteringFailed,
		SubmissionResponse: m.SubmissionResponse,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain UsageRecord
func (m *UsageRecordModel) FromDomain(r *metering.UsageRecord) {
	m.CustomerAccountID = r.CustomerAccountID
	m.CreateTimestamp = r.CreateTimestamp
	m.ProductCode = r.ProductCode
	m.Dimension = r.Dimension
	m.Quantity = r.Quantity
	m.MeteringPending = PendingTag(r.Pending)
	m.MeteringFailed = r.Failed
	m.SubmissionResponse = r.SubmissionResponse
	m.CreatedAt = r.CreatedAt
	m.UpdatedAt = r.UpdatedAt
}

// PendingTag maps the domain pending flag onto its stored text tag
func PendingTag(pending bool) string {
	if pending {
		return MeteringPendingTrue
	}
	return MeteringPendingFalse
}

// UsageCounterModel is the persistence model for per-subscriber usage totals.
// The composite key matches the aggregation group key; increments are
// additive upserts.
type UsageCounterModel struct {
	ProductCode       string `gorm:"type:varchar(64);primaryKey"`
	CustomerAccountID string `gorm:"type:varchar(64);primaryKey"`
	Dimension         string `gorm:"type:varchar(64);primaryKey"`
	Total             int64  `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

// TableName returns the table name for GORM
func (UsageCounterModel) TableName() string {
	return "usage_counters"
}

// ToDomain converts the persistence model to a domain UsageCounter
func (m *UsageCounterModel) ToDomain() *metering.UsageCounter {
	return &metering.UsageCounter{
		ProductCode:       m.ProductCode,
		CustomerAccountID: m.CustomerAccountID,
		Dimension:         m.Dimension,
		Total:             m.Total,
		UpdatedAt:         m.UpdatedAt,
	}
}

// SubmissionJobModel is the persistence model for the durable submission
// queue between the aggregator and the submit workers
type SubmissionJobModel struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey"`
	GroupKey      string              `gorm:"type:varchar(255);not null"`
	SchemaVersion int                 `gorm:"not null;default:1"`
	Payload       []byte              `gorm:"type:jsonb;not null"`
	Status        metering.JobStatus  `gorm:"type:varchar(20);default:PENDING;index:idx_submission_queue_status_created,priority:1"`
	RetryCount    int                 `gorm:"default:0"`
	MaxRetries    int                 `gorm:"default:5"`
	LastError     string              `gorm:"type:text"`
	NextRetryAt   *time.Time          `gorm:"index:idx_submission_queue_next_retry"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time `gorm:"not null;index:idx_submission_queue_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SubmissionJobModel) TableName() string {
	return "submission_queue"
}

// ToDomain converts the persistence model to a domain SubmissionJob
func (m *SubmissionJobModel) ToDomain() *metering.SubmissionJob {
	return &metering.SubmissionJob{
		ID:            m.ID,
		GroupKey:      m.GroupKey,
		SchemaVersion: m.SchemaVersion,
		Payload:       m.Payload,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		LastError:     m.LastError,
		NextRetryAt:   m.NextRetryAt,
		ProcessedAt:   m.ProcessedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain SubmissionJob
func (m *SubmissionJobModel) FromDomain(j *metering.SubmissionJob) {
	m.ID = j.ID
	m.GroupKey = j.GroupKey
	m.SchemaVersion = j.SchemaVersion
	m.Payload = j.Payload
	m.Status = j.Status
	m.RetryCount = j.RetryCount
	m.MaxRetries = j.MaxRetries
	m.LastError = j.LastError
	m.NextRetryAt = j.NextRetryAt
	m.ProcessedAt = j.ProcessedAt
	m.CreatedAt = j.CreatedAt
	m.UpdatedAt = j.UpdatedAt
}
