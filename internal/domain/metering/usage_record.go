package metering

import (
	"fmt"
	"time"

	"github.com/metering/backend/internal/domain/shared"
)

// RecordState describes where a usage record sits in the reconciliation
// state machine.
type RecordState string

const (
	// RecordStatePending means the record has not yet been submitted to the
	// billing authority (or an operator reset it for another attempt).
	RecordStatePending RecordState = "PENDING"

	// RecordStateSettled means the record was successfully submitted.
	// Terminal unless an operator resets it.
	RecordStateSettled RecordState = "SETTLED"

	// RecordStateFailed means submission was attempted and rejected.
	// Terminal unless an operator resets it.
	RecordStateFailed RecordState = "FAILED"
)

// String returns the string representation of RecordState
func (s RecordState) String() string {
	return string(s)
}

// RecordKey is the composite identity of a usage record. CreateTimestamp is
// an epoch-millisecond ingestion-time value that doubles as the sort key
// within a customer account.
type RecordKey struct {
	CustomerAccountID string `json:"customerAccountId"`
	CreateTimestamp   int64  `json:"createTimestamp"`
}

// String returns a human-readable form of the key, used in logs and reports
func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%d", k.CustomerAccountID, k.CreateTimestamp)
}

// UsageRecord is one observed, billable unit of consumption. Records form a
// permanent audit trail: the pipeline mutates their reconciliation fields but
// never deletes them.
type UsageRecord struct {
	CustomerAccountID  string // Marketplace account that consumed the usage
	CreateTimestamp    int64  // Epoch millis assigned at ingestion, monotonic per account
	ProductCode        string // Marketplace product listing code
	Dimension          string // Billing metric name (case-sensitive)
	Quantity           int64  // Observed amount, never negative
	Pending            bool   // Awaiting aggregation and submission
	Failed             bool   // Last submission attempt was rejected
	SubmissionResponse string // Opaque diagnostic payload from the billing authority
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewUsageRecord creates a pending usage record with validation. The caller
// supplies createTimestamp so batch ingestion can keep it strictly increasing
// within an account.
func NewUsageRecord(customerAccountID, productCode, dimension string, quantity int64, createTimestamp int64) (*UsageRecord, error) {
	if customerAccountID == "" {
		return nil, shared.NewDomainError("INVALID_CUSTOMER", "Customer account ID cannot be empty")
	}
	if productCode == "" {
		return nil, shared.NewDomainError("INVALID_PRODUCT", "Product code cannot be empty")
	}
	if dimension == "" {
		return nil, shared.NewDomainError("INVALID_DIMENSION", "Dimension cannot be empty")
	}
	if quantity < 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}
	if createTimestamp <= 0 {
		return nil, shared.NewDomainError("INVALID_TIMESTAMP", "Create timestamp must be positive")
	}

	now := time.Now()
	return &UsageRecord{
		CustomerAccountID: customerAccountID,
		CreateTimestamp:   createTimestamp,
		ProductCode:       productCode,
		Dimension:         dimension,
		Quantity:          quantity,
		Pending:           true,
		Failed:            false,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Key returns the record's composite identity
func (r *UsageRecord) Key() RecordKey {
	return RecordKey{
		CustomerAccountID: r.CustomerAccountID,
		CreateTimestamp:   r.CreateTimestamp,
	}
}

// GroupKey returns the aggregation key the record belongs to
func (r *UsageRecord) GroupKey() GroupKey {
	return GroupKey{
		ProductCode:       r.ProductCode,
		CustomerAccountID: r.CustomerAccountID,
		Dimension:         r.Dimension,
	}
}

// State derives the reconciliation state from the pending/failed flags
func (r *UsageRecord) State() RecordState {
	if r.Pending {
		return RecordStatePending
	}
	if r.Failed {
		return RecordStateFailed
	}
	return RecordStateSettled
}

// IsSubmittable reports whether the record carries everything a billing
// submission needs. Records failing this check are skipped by the Aggregator
// and reported, never fatal to the cycle.
func (r *UsageRecord) IsSubmittable() bool {
	return r.ProductCode != "" && r.Dimension != "" && r.CustomerAccountID != "" && r.Quantity >= 0
}

// Settle marks the record as successfully submitted
func (r *UsageRecord) Settle(response string) error {
	if !r.Pending {
		return shared.NewDomainError("INVALID_STATE", "Only pending records can be settled")
	}
	r.Pending = false
	r.Failed = false
	r.SubmissionResponse = response
	r.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records a rejected submission attempt. The record leaves the
// pending set so it is not re-aggregated; recovery is operator-driven.
func (r *UsageRecord) MarkFailed(detail string) error {
	if !r.Pending {
		return shared.NewDomainError("INVALID_STATE", "Only pending records can be marked failed")
	}
	r.Pending = false
	r.Failed = true
	r.SubmissionResponse = detail
	r.UpdatedAt = time.Now()
	return nil
}

// ResetForRetry flips a settled or failed record back to pending. This is the
// only recovery path for failed records; the next aggregation cycle picks the
// record up again.
func (r *UsageRecord) ResetForRetry() error {
	if r.Pending {
		return shared.NewDomainError("INVALID_STATE", "Record is already pending")
	}
	r.Pending = true
	r.Failed = false
	r.SubmissionResponse = ""
	r.UpdatedAt = time.Now()
	return nil
}
