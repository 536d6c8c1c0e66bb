package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opsboard/analyzer/internal/api/handler"
	"github.com/opsboard/analyzer/internal/api/middleware"
	"github.com/opsboard/analyzer/internal/service"
	"github.com/opsboard/analyzer/internal/storage"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	coordinator *service.Coordinator,
	pool *service.Pool,
	scheduler *service.Scheduler,
	store storage.ObjectStorage,
	corsCfg middleware.CORSConfig,
	mode string,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(corsCfg))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	batchHandler := handler.NewBatchHandler(coordinator, store)
	workerHandler := handler.NewWorkerHandler(pool)
	reportHandler := handler.NewReportHandler(scheduler)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Batches
		v1.POST("/batches", batchHandler.CreateBatch)
		v1.GET("/batches/active", batchHandler.ListActive)
		v1.GET("/batches/:id/status", batchHandler.GetStatus)
		v1.POST("/batches/:id/retry", batchHandler.Retry)
		v1.POST("/batches/:id/abort", batchHandler.Abort)
		v1.POST("/batches/:id/videos", batchHandler.UploadVideo)
		v1.DELETE("/batches/:id", batchHandler.Delete)

		// Workers
		v1.GET("/workers", workerHandler.List)
		v1.POST("/workers/:id/start", workerHandler.Start)
		v1.POST("/workers/:id/pause", workerHandler.Pause)
		v1.POST("/workers/:id/restart", workerHandler.Restart)

		// Scheduled reports
		v1.POST("/scheduled-reports", reportHandler.Create)
		v1.GET("/scheduled-reports", reportHandler.List)
		v1.GET("/scheduled-reports/:id", reportHandler.Get)
		v1.PUT("/scheduled-reports/:id", reportHandler.Update)
		v1.POST("/scheduled-reports/:id/toggle", reportHandler.Toggle)
		v1.POST("/scheduled-reports/:id/run", reportHandler.RunNow)
		v1.GET("/scheduled-reports/:id/runs", reportHandler.Runs)
	}

	return r
}
