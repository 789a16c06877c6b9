package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// counterCacheTTL bounds staleness of customer-facing counter reads
const counterCacheTTL = 5 * time.Minute

// ingestRetries is how many bumped timestamps an ingest tries after a
// composite-key collision before giving up
const ingestRetries = 3

// UsageService covers the edges of the pipeline: the upstream observation
// path that writes pending records, and the operator surface for inspecting
// failures, resetting records and reading subscriber counters.
type UsageService struct {
	records  domainMetering.UsageRecordRepository
	counters domainMetering.UsageCounterRepository
	cache    CounterCache // optional
	logger   *zap.Logger
}

// NewUsageService creates a new usage service. cache may be nil.
func NewUsageService(
	records domainMetering.UsageRecordRepository,
	counters domainMetering.UsageCounterRepository,
	cache CounterCache,
	logger *zap.Logger,
) *UsageService {
	return &UsageService{
		records:  records,
		counters: counters,
		cache:    cache,
		logger:   logger,
	}
}

// IngestUsageInput is one observed unit of consumption to record
type IngestUsageInput struct {
	CustomerAccountID string
	ProductCode       string
	Dimension         string
	Quantity          int64
}

// RecordUsage writes one pending usage record with a server-assigned
// ingestion timestamp. Two ingestions for the same customer can land in the
// same millisecond; a key collision is retried with a bumped timestamp.
func (s *UsageService) RecordUsage(ctx context.Context, input IngestUsageInput) (*domainMetering.UsageRecord, error) {
	timestamp := time.Now().UnixMilli()
	for attempt := 0; ; attempt++ {
		record, err := domainMetering.NewUsageRecord(
			input.CustomerAccountID,
			input.ProductCode,
			input.Dimension,
			input.Quantity,
			timestamp,
		)
		if err != nil {
			return nil, err
		}

		err = s.records.Save(ctx, record)
		if err == nil {
			s.logger.Debug("usage record ingested",
				zap.String("record", record.Key().String()),
				zap.String("product_code", record.ProductCode),
				zap.String("dimension", record.Dimension),
				zap.Int64("quantity", record.Quantity),
			)
			return record, nil
		}
		if !errors.Is(err, shared.ErrAlreadyExists) || attempt >= ingestRetries {
			return nil, fmt.Errorf("failed to save usage record: %w", err)
		}

		s.logger.Debug("usage record key collision, retrying",
			zap.String("customer_account_id", input.CustomerAccountID),
			zap.Int64("timestamp", timestamp),
		)
		timestamp++
	}
}

// RecordUsageBatch writes multiple pending usage records in one transaction.
// Timestamps are offset per entry so the composite key stays unique within a
// customer account even inside a single batch; a collision with another
// batch's range is retried past that range.
func (s *UsageService) RecordUsageBatch(ctx context.Context, inputs []IngestUsageInput) ([]*domainMetering.UsageRecord, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	base := time.Now().UnixMilli()
	for attempt := 0; ; attempt++ {
		records := make([]*domainMetering.UsageRecord, 0, len(inputs))
		for i, input := range inputs {
			record, err := domainMetering.NewUsageRecord(
				input.CustomerAccountID,
				input.ProductCode,
				input.Dimension,
				input.Quantity,
				base+int64(i),
			)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, record)
		}

		err := s.records.SaveBatch(ctx, records)
		if err == nil {
			s.logger.Info("usage batch ingested", zap.Int("count", len(records)))
			return records, nil
		}
		if !errors.Is(err, shared.ErrAlreadyExists) || attempt >= ingestRetries {
			return nil, fmt.Errorf("failed to save usage records: %w", err)
		}

		s.logger.Debug("usage batch key collision, retrying",
			zap.Int64("base_timestamp", base),
			zap.Int("count", len(inputs)),
		)
		base += int64(len(inputs))
	}
}

// GetRecord retrieves a single usage record by its composite key
func (s *UsageService) GetRecord(ctx context.Context, key domainMetering.RecordKey) (*domainMetering.UsageRecord, error) {
	return s.records.FindByKey(ctx, key)
}

// GetFailedRecords lists failed records with pagination, newest first
func (s *UsageService) GetFailedRecords(ctx context.Context, page, pageSize int) ([]*domainMetering.UsageRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.records.FindFailed(ctx, page, pageSize)
}

// ResetRecord is the operator recovery path: it flips a settled or failed
// record back to pending so the next aggregation cycle picks it up.
func (s *UsageService) ResetRecord(ctx context.Context, key domainMetering.RecordKey) (*domainMetering.UsageRecord, error) {
	record, err := s.records.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := record.ResetForRetry(); err != nil {
		return nil, err
	}

	if err := s.records.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to reset usage record: %w", err)
	}

	s.logger.Info("usage record reset to pending",
		zap.String("record", record.Key().String()),
	)
	return record, nil
}

// GetRecordStats returns the number of records in each reconciliation state
func (s *UsageService) GetRecordStats(ctx context.Context) (map[domainMetering.RecordState]int64, error) {
	return s.records.CountByState(ctx)
}

// GetCounter reads one subscriber counter, serving from the cache when warm
func (s *UsageService) GetCounter(ctx context.Context, productCode, customerAccountID, dimension string) (*domainMetering.UsageCounter, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, productCode, customerAccountID, dimension)
		if err != nil {
			s.logger.Warn("counter cache read failed", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	counter, err := s.counters.Get(ctx, productCode, customerAccountID, dimension)
	if err != nil {
		return nil, err
	}

	if counter != nil && s.cache != nil {
		if err := s.cache.Set(ctx, counter, counterCacheTTL); err != nil {
			s.logger.Warn("counter cache write failed", zap.Error(err))
		}
	}
	return counter, nil
}

// ListCounters reads all counters for a product/customer pair, bypassing the
// cache
func (s *UsageService) ListCounters(ctx context.Context, productCode, customerAccountID string) ([]*domainMetering.UsageCounter, error) {
	return s.counters.ListByCustomer(ctx, productCode, customerAccountID)
}
