package scheduler

import (
	"context"
	"sync"
	"time"

	appmetering "github.com/metering/backend/internal/application/metering"
	"go.uber.org/zap"
)

// AggregationScheduler runs aggregation cycles on a fixed interval. Cycles
// never overlap: if a cycle is still running when the ticker fires, the tick
// is skipped and the next one picks up the accumulated pending records.
type AggregationScheduler struct {
	service *appmetering.AggregationService
	logger  *zap.Logger
	config  AggregationSchedulerConfig

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	inCycle   bool
}

// AggregationSchedulerConfig holds configuration for the aggregation scheduler
type AggregationSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often aggregation cycles run
	Interval time.Duration

	// CycleTimeout is the maximum time for one cycle
	CycleTimeout time.Duration

	// RunOnStart triggers a cycle immediately at startup instead of waiting
	// for the first tick
	RunOnStart bool
}

// DefaultAggregationSchedulerConfig returns default configuration
func DefaultAggregationSchedulerConfig() AggregationSchedulerConfig {
	return AggregationSchedulerConfig{
		Enabled:      true,
		Interval:     time.Hour,
		CycleTimeout: 10 * time.Minute,
		RunOnStart:   false,
	}
}

// NewAggregationScheduler creates a new aggregation scheduler
func NewAggregationScheduler(
	service *appmetering.AggregationService,
	logger *zap.Logger,
	config AggregationSchedulerConfig,
) *AggregationScheduler {
	return &AggregationScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the aggregation scheduler
func (s *AggregationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("aggregation scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("aggregation scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("cycle_timeout", s.config.CycleTimeout),
		zap.Bool("run_on_start", s.config.RunOnStart),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *AggregationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("aggregation scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerCycle runs one aggregation cycle outside the schedule, used by the
// operator API. It shares the overlap guard with scheduled cycles.
func (s *AggregationScheduler) TriggerCycle(ctx context.Context) (appmetering.CycleResult, bool, error) {
	if !s.tryBeginCycle() {
		return appmetering.CycleResult{}, false, nil
	}
	defer s.endCycle()

	result, err := s.service.RunAggregationCycle(ctx)
	return result, true, err
}

func (s *AggregationScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.runCycle(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *AggregationScheduler) runCycle(ctx context.Context) {
	if !s.tryBeginCycle() {
		s.logger.Warn("skipping aggregation tick, previous cycle still running")
		return
	}
	defer s.endCycle()

	cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	if _, err := s.service.RunAggregationCycle(cycleCtx); err != nil {
		s.logger.Error("aggregation cycle failed", zap.Error(err))
	}
}

func (s *AggregationScheduler) tryBeginCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inCycle {
		return false
	}
	s.inCycle = true
	return true
}

func (s *AggregationScheduler) endCycle() {
	s.mu.Lock()
	s.inCycle = false
	s.mu.Unlock()
}
