package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/service"
	"github.com/opsboard/analyzer/internal/storage"
)

// BatchHandler handles batch submission, polling, and control endpoints.
type BatchHandler struct {
	coordinator *service.Coordinator
	storage     storage.ObjectStorage
}

// NewBatchHandler creates a new batch handler.
// Parameters:
//   - coordinator: batch coordinator instance.
//   - store: object storage for uploaded video payloads.
// Returns:
//   - *BatchHandler: initialized handler.
func NewBatchHandler(coordinator *service.Coordinator, store storage.ObjectStorage) *BatchHandler {
	return &BatchHandler{
		coordinator: coordinator,
		storage:     store,
	}
}

// CreateBatchRequest represents the batch submission body.
type CreateBatchRequest struct {
	Source string            `json:"source" binding:"required"`
	Items  []CreateBatchItem `json:"items" binding:"required,min=1,dive"`
}

// CreateBatchItem is one unit of work in a submission.
type CreateBatchItem struct {
	UUID     string `json:"uuid"`
	Type     string `json:"type" binding:"required"`
	Priority string `json:"priority"`
	Payload  string `json:"payload"`
}

// CreateBatch handles POST /api/v1/batches.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]service.NewItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.NewItem{
			UUID:     it.UUID,
			Kind:     domain.WorkItemKind(it.Type),
			Priority: domain.Priority(it.Priority),
			Payload:  it.Payload,
		})
	}

	batch, err := h.coordinator.CreateBatch(c.Request.Context(), req.Source, items)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create batch: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"batch_id": batch.ID})
}

// GetStatus handles GET /api/v1/batches/:id/status, the polling target.
func (h *BatchHandler) GetStatus(c *gin.Context) {
	view, err := h.coordinator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Retry handles POST /api/v1/batches/:id/retry.
func (h *BatchHandler) Retry(c *gin.Context) {
	reset, err := h.coordinator.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": reset})
}

// Abort handles POST /api/v1/batches/:id/abort.
func (h *BatchHandler) Abort(c *gin.Context) {
	if err := h.coordinator.Abort(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

// Delete handles DELETE /api/v1/batches/:id.
func (h *BatchHandler) Delete(c *gin.Context) {
	err := h.coordinator.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		case errors.Is(err, domain.ErrBatchBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "Batch has items in processing"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListActive handles GET /api/v1/batches/active.
func (h *BatchHandler) ListActive(c *gin.Context) {
	views, err := h.coordinator.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": views})
}

// UploadVideo handles POST /api/v1/batches/:id/videos. The payload is
// stored in object storage and a video work item is registered pointing
// at it.
func (h *BatchHandler) UploadVideo(c *gin.Context) {
	batchID := c.Param("id")
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	defer file.Close()

	itemID := uuid.New().String()
	key := storage.VideoKey(batchID, itemID, header.Filename)
	contentType := storage.VideoContentType(header.Filename)

	ctx := c.Request.Context()
	if err := h.storage.Upload(ctx, key, file, header.Size, contentType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload: " + err.Error()})
		return
	}

	priority := domain.Priority(c.PostForm("priority"))
	item, err := h.coordinator.AddVideoItem(ctx, batchID, h.storage.GetURL(key), priority)
	if err != nil {
		// The item never entered the queue; don't leave the payload behind.
		_ = h.storage.Delete(ctx, key)
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item_id": item.ID, "payload": item.Payload})
}
