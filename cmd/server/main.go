package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/infrastructure/marketplace"
	"github.com/metering/backend/internal/infrastructure/notification"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/infrastructure/queue"
	"github.com/metering/backend/internal/infrastructure/scheduler"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/middleware"
	"github.com/metering/backend/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Metering Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize tracing
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Register database tracing callbacks
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		dbTracingCfg := telemetry.DefaultDBTracingConfig()
		dbTracingCfg.Enabled = true
		dbTracingPlugin := telemetry.NewDBTracingPlugin(dbTracingCfg, log)
		if err := dbTracingPlugin.RegisterOtelGorm(db.DB); err != nil {
			log.Warn("Failed to register database tracing", zap.Error(err))
		}
	}

	// Initialize repositories
	recordRepo := persistence.NewGormUsageRecordRepository(db.DB)
	counterRepo := persistence.NewGormUsageCounterRepository(db.DB)
	jobRepo := queue.NewGormSubmissionJobRepository(db.DB)
	submissionQueue := queue.NewGormSubmissionQueue(jobRepo, log)

	// Counter read cache is optional; the services fall back to the
	// database when it is absent or unavailable.
	var counterCache appmetering.CounterCache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCounterCache(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn("Counter cache unavailable, continuing without it", zap.Error(err))
		} else {
			counterCache = redisCache
			log.Info("Counter cache connected",
				zap.String("host", cfg.Redis.Host),
				zap.Int("port", cfg.Redis.Port),
			)
		}
	}

	// Billing authority: dry-run mode logs submissions instead of
	// calling AWS Marketplace
	var authority metering.MeteringAuthority
	if cfg.Marketplace.DryRun {
		authority = marketplace.NewStubMeteringAuthority(log)
		log.Info("Marketplace dry-run mode enabled, usage will not be billed")
	} else {
		authority, err = marketplace.NewMeteringClient(&cfg.Marketplace, log)
		if err != nil {
			log.Fatal("Failed to create marketplace metering client", zap.Error(err))
		}
	}

	// Failure notifier: SNS when a topic is configured, logs otherwise
	var notifier metering.Notifier
	if cfg.Notification.TopicARN != "" {
		notifier, err = notification.NewSNSNotifier(&cfg.Notification, log)
		if err != nil {
			log.Fatal("Failed to create SNS notifier", zap.Error(err))
		}
	} else {
		notifier = notification.NewLogNotifier(log)
		log.Info("No notification topic configured, failure reports go to the log")
	}

	// Initialize application services
	aggregationService := appmetering.NewAggregationService(recordRepo, submissionQueue, log,
		appmetering.AggregationConfig{
			PageSize: cfg.Aggregation.PageSize,
		})
	submissionService := appmetering.NewSubmissionService(recordRepo, counterRepo, authority, notifier, counterCache, log)
	usageService := appmetering.NewUsageService(recordRepo, counterRepo, counterCache, log)
	queueService := appmetering.NewQueueService(jobRepo, log)

	// Start background processing
	aggScheduler := scheduler.NewAggregationScheduler(aggregationService, log,
		scheduler.AggregationSchedulerConfig{
			Enabled:      cfg.Aggregation.Enabled,
			Interval:     cfg.Aggregation.Interval,
			CycleTimeout: cfg.Aggregation.CycleTimeout,
			RunOnStart:   cfg.Aggregation.RunOnStart,
		})
	if err := aggScheduler.Start(context.Background()); err != nil {
		log.Fatal("Failed to start aggregation scheduler", zap.Error(err))
	}

	submitWorker := scheduler.NewSubmitWorker(jobRepo, submissionService,
		scheduler.SubmitWorkerConfig{
			BatchSize:        cfg.Queue.BatchSize,
			PollInterval:     cfg.Queue.PollInterval,
			CleanupEnabled:   cfg.Queue.CleanupEnabled,
			CleanupRetention: cfg.Queue.CleanupRetention,
			CleanupInterval:  cfg.Queue.CleanupInterval,
		}, log)
	if cfg.Queue.WorkerEnabled {
		if err := submitWorker.Start(context.Background()); err != nil {
			log.Fatal("Failed to start submit worker", zap.Error(err))
		}
	} else {
		log.Info("Submit worker is disabled, queued jobs will not be processed")
	}

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Security - Add security headers
	// 5. CORS - Handle cross-origin requests
	// 6. BodyLimit - Limit request body size
	// 7. Tracing - Record request spans (if enabled)
	engine.Use(middleware.RequestID(log))
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORS())
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	if cfg.Telemetry.Enabled {
		tracingCfg := middleware.DefaultTracingConfig()
		tracingCfg.ServiceName = cfg.Telemetry.ServiceName
		engine.Use(middleware.TracingWithConfig(tracingCfg))
		engine.Use(middleware.SpanErrorMarker())
	}

	// Register API routes
	r := router.NewRouter(engine)
	r.Register(handler.NewUsageHandler(usageService)).
		Register(handler.NewQueueHandler(queueService)).
		Register(handler.NewAggregationHandler(aggScheduler)).
		Register(handler.NewSystemHandler(db))
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop background processing before the HTTP surface so in-flight
	// batches finish reconciling.
	if err := submitWorker.Stop(ctx); err != nil {
		log.Error("Submit worker shutdown incomplete", zap.Error(err))
	}
	if err := aggScheduler.Stop(ctx); err != nil {
		log.Error("Aggregation scheduler shutdown incomplete", zap.Error(err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
