package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsboard/analyzer/internal/api"
	"github.com/opsboard/analyzer/internal/api/middleware"
	"github.com/opsboard/analyzer/internal/config"
	"github.com/opsboard/analyzer/internal/logger"
	"github.com/opsboard/analyzer/internal/repository"
	"github.com/opsboard/analyzer/internal/service"
	"github.com/opsboard/analyzer/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	batchRepo := repository.NewBatchRepository(db)
	itemRepo := repository.NewWorkItemRepository(db)
	workerRepo := repository.NewWorkerRepository(db)
	reportRepo := repository.NewReportRepository(db)

	// Initialize storage for uploaded video payloads
	objectStorage, err := storage.NewS3Storage(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.Fatalf("Failed to initialize storage: %v", err)
	}

	ctx := context.Background()
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.Fatalf("Failed to ensure storage bucket: %v", err)
	}

	// Initialize services
	analysisClient := service.NewAnalysisClient(&service.AnalysisClientConfig{
		BaseURL:      cfg.Analysis.BaseURL,
		APIKey:       cfg.Analysis.APIKey,
		Timeout:      cfg.Analysis.Timeout,
		PollInterval: cfg.Analysis.PollInterval,
		PollTimeout:  cfg.Analysis.PollTimeout,
	})

	coordinator := service.NewCoordinator(batchRepo, itemRepo, appLogger)

	pool := service.NewPool(itemRepo, workerRepo, coordinator, analysisClient, appLogger, service.PoolConfig{
		Workers:       cfg.Pool.Workers,
		MaxAttempts:   cfg.Pool.MaxAttempts,
		ClaimInterval: cfg.Pool.ClaimInterval,
		StuckAfter:    cfg.Pool.StuckAfter,
		SweepInterval: cfg.Pool.SweepInterval,
	})
	if err := pool.Start(ctx); err != nil {
		appLogger.Fatalf("Failed to start worker pool: %v", err)
	}

	notifier := service.NewNotifier(&service.NotifierConfig{
		Webhooks: cfg.Notify.Webhooks,
		Timeout:  cfg.Notify.Timeout,
		DedupTTL: cfg.Notify.DedupTTL,
	}, appLogger)

	generator := service.NewReportGenerator(itemRepo, batchRepo, workerRepo)

	scheduler := service.NewScheduler(reportRepo, generator, notifier, appLogger, cfg.Scheduler.TickInterval)
	if cfg.Scheduler.Enabled {
		scheduler.Start(ctx)
	}

	// Setup router
	router := api.SetupRouter(coordinator, pool, scheduler, objectStorage, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.Infof("Starting API server on port %d (mode=%s)", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}

	scheduler.Stop()
	pool.Stop()

	appLogger.Info("Server exited")
}
