package metering

import (
	"context"
	"time"
)

// UsageRecordRepository defines the interface for persisting and querying
// usage records. Updates are point updates of named fields keyed by the
// composite record identity; they are idempotent so at-least-once queue
// delivery replays to the same final state.
type UsageRecordRepository interface {
	// Save persists a new usage record
	Save(ctx context.Context, record *UsageRecord) error

	// SaveBatch persists multiple usage records in a single transaction
	SaveBatch(ctx context.Context, records []*UsageRecord) error

	// FindByKey retrieves a usage record by its composite key
	FindByKey(ctx context.Context, key RecordKey) (*UsageRecord, error)

	// FindPendingPage retrieves one page of the pending index, ordered by
	// record key. Pass nil to start from the beginning; pass the last key of
	// the previous page to continue.
	FindPendingPage(ctx context.Context, after *RecordKey, limit int) ([]*UsageRecord, error)

	// Settle marks every given record as successfully submitted, storing the
	// opaque billing response
	Settle(ctx context.Context, keys []RecordKey, response string) error

	// MarkFailed marks every given record as rejected, storing the error
	// detail
	MarkFailed(ctx context.Context, keys []RecordKey, detail string) error

	// Update writes the reconciliation fields of a single record, used by the
	// operator reset path
	Update(ctx context.Context, record *UsageRecord) error

	// FindFailed retrieves failed records with pagination, newest first
	FindFailed(ctx context.Context, page, pageSize int) ([]*UsageRecord, int64, error)

	// CountByState returns the number of records in each reconciliation state
	CountByState(ctx context.Context) (map[RecordState]int64, error)
}

// UsageCounterRepository defines the interface for the per-subscriber usage
// counter store
type UsageCounterRepository interface {
	// Increment additively raises the counter for the given key, creating it
	// at delta if absent
	Increment(ctx context.Context, productCode, customerAccountID, dimension string, delta int64) error

	// Get retrieves a single counter, or nil when no usage has been billed
	// for the key
	Get(ctx context.Context, productCode, customerAccountID, dimension string) (*UsageCounter, error)

	// ListByCustomer retrieves all counters for a product/customer pair
	ListByCustomer(ctx context.Context, productCode, customerAccountID string) ([]*UsageCounter, error)
}

// SubmissionQueue is the durable channel between the Aggregator and the
// Submitter. Delivery is at-least-once and order is not guaranteed; the
// Submitter's record updates are idempotent to tolerate duplicates.
type SubmissionQueue interface {
	// Enqueue puts one aggregation group on the queue
	Enqueue(ctx context.Context, group *AggregationGroup) error
}

// MeterUsageInput is the unit of billing: one call per aggregation group,
// never split or retried within a batch.
type MeterUsageInput struct {
	ProductCode       string
	CustomerAccountID string
	Dimension         string
	Quantity          int64
	Timestamp         time.Time
}

// MeterUsageResult carries the billing authority's opaque success payload
type MeterUsageResult struct {
	// Response is stored verbatim on every member record as the
	// submission diagnostic
	Response string
}

// MeteringAuthority is the external system of record for usage-based
// charges
type MeteringAuthority interface {
	// MeterUsage submits one aggregated usage quantity. The returned error,
	// if any, is classifiable via its message text.
	MeterUsage(ctx context.Context, input MeterUsageInput) (*MeterUsageResult, error)
}

// Notifier delivers operator-facing diagnostics. Delivery is fire-and-forget
// and best-effort: callers log Notify errors but never escalate them.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}
