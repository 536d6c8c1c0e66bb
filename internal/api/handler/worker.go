package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/service"
)

// WorkerHandler exposes worker pool monitoring and control.
type WorkerHandler struct {
	pool *service.Pool
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(pool *service.Pool) *WorkerHandler {
	return &WorkerHandler{pool: pool}
}

// List handles GET /api/v1/workers.
func (h *WorkerHandler) List(c *gin.Context) {
	views, err := h.pool.Workers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": views})
}

// Start handles POST /api/v1/workers/:id/start.
func (h *WorkerHandler) Start(c *gin.Context) {
	h.control(c, h.pool.StartWorker)
}

// Pause handles POST /api/v1/workers/:id/pause. The worker finishes its
// current item before going idle.
func (h *WorkerHandler) Pause(c *gin.Context) {
	h.control(c, h.pool.PauseWorker)
}

// Restart handles POST /api/v1/workers/:id/restart. Any in-flight item
// is released back to the queue without counting an attempt.
func (h *WorkerHandler) Restart(c *gin.Context) {
	h.control(c, h.pool.RestartWorker)
}

func (h *WorkerHandler) control(c *gin.Context, op func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Worker not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": id})
}
