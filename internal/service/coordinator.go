package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/logger"
	"github.com/opsboard/analyzer/internal/repository"
)

// rateAlpha is the smoothing factor for the completions-per-minute EWMA.
const rateAlpha = 0.3

// Coordinator owns batches and their work items: it creates them, derives
// aggregate status for polling clients, and drives batch-level transitions.
// Counts are always computed from work item rows, never cached, so pollers
// cannot observe drifted counters.
type Coordinator struct {
	batches *repository.BatchRepository
	items   *repository.WorkItemRepository
	logger  *logger.Logger

	mu    sync.Mutex
	rates map[string]*rateTracker
}

// NewCoordinator creates a new batch coordinator.
func NewCoordinator(batches *repository.BatchRepository, items *repository.WorkItemRepository, log *logger.Logger) *Coordinator {
	return &Coordinator{
		batches: batches,
		items:   items,
		logger:  log,
		rates:   make(map[string]*rateTracker),
	}
}

func (c *Coordinator) log(ctx context.Context) *logger.Logger {
	return logger.FromContextOr(ctx, c.logger)
}

// rateTracker keeps an EWMA of completions per minute for one batch.
type rateTracker struct {
	ewma     float64
	lastTick time.Time
}

func (t *rateTracker) observe(now time.Time) {
	if t.lastTick.IsZero() {
		t.lastTick = now
		return
	}
	elapsed := now.Sub(t.lastTick).Minutes()
	t.lastTick = now
	if elapsed <= 0 {
		return
	}
	instant := 1.0 / elapsed
	if t.ewma == 0 {
		t.ewma = instant
		return
	}
	t.ewma = rateAlpha*instant + (1-rateAlpha)*t.ewma
}

// NewItem describes one unit of work submitted with a batch.
type NewItem struct {
	UUID     string
	Kind     domain.WorkItemKind
	Priority domain.Priority
	Payload  string
}

// CreateBatch validates and persists a batch with its pending work items.
// Malformed input is rejected synchronously with a ValidationError and
// never enters the work queue.
func (c *Coordinator) CreateBatch(ctx context.Context, source string, newItems []NewItem) (*domain.Batch, error) {
	if source == "" {
		return nil, &domain.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if len(newItems) == 0 {
		return nil, &domain.ValidationError{Field: "items", Reason: "must contain at least one item"}
	}

	now := time.Now()
	batch := &domain.Batch{
		ID:         uuid.New().String(),
		Source:     source,
		Status:     domain.BatchStatusProcessing,
		TotalItems: len(newItems),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items := make([]domain.WorkItem, 0, len(newItems))
	for i, in := range newItems {
		if !domain.ValidKind(in.Kind) {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("items[%d].type", i), Reason: fmt.Sprintf("unknown kind %q", in.Kind)}
		}
		priority := in.Priority
		if priority == "" {
			priority = domain.PriorityMedium
		}
		if !domain.ValidPriority(priority) {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("items[%d].priority", i), Reason: fmt.Sprintf("unknown priority %q", priority)}
		}
		id := in.UUID
		if id == "" {
			id = uuid.New().String()
		}
		items = append(items, domain.WorkItem{
			ID:        id,
			BatchID:   batch.ID,
			Kind:      in.Kind,
			Priority:  priority,
			Status:    domain.WorkItemStatusPending,
			Payload:   in.Payload,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := c.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	if err := c.items.CreateAll(ctx, items); err != nil {
		return nil, fmt.Errorf("failed to create work items: %w", err)
	}

	c.log(ctx).WithFields(logger.Fields{
		logger.FieldBatchID: batch.ID,
		"source":            source,
		"items":             len(items),
	}).Info("Batch created")

	return batch, nil
}

// AddVideoItem appends one uploaded-video work item to an existing batch.
// The payload is the storage location of the uploaded object.
func (c *Coordinator) AddVideoItem(ctx context.Context, batchID, storageURL string, priority domain.Priority) (*domain.WorkItem, error) {
	batch, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == domain.BatchStatusCompleted || batch.Status == domain.BatchStatusFailed {
		return nil, &domain.ValidationError{Field: "batch_id", Reason: "batch already reached a terminal state"}
	}
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(priority) {
		return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", priority)}
	}

	now := time.Now()
	item := domain.WorkItem{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		Kind:      domain.WorkItemKindVideo,
		Priority:  priority,
		Status:    domain.WorkItemStatusPending,
		Payload:   storageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.items.CreateAll(ctx, []domain.WorkItem{item}); err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}
	if err := c.batches.IncrementTotal(ctx, batchID, 1); err != nil {
		return nil, fmt.Errorf("failed to update batch total: %w", err)
	}
	return &item, nil
}

// GetStatus returns the canonical polling view of one batch: a consistent
// snapshot of derived counts plus the EWMA processing rate and ETA.
func (c *Coordinator) GetStatus(ctx context.Context, batchID string) (*domain.BatchStatusView, error) {
	batch, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := c.items.CountsForBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count batch items: %w", err)
	}

	c.mu.Lock()
	rate := 0.0
	if t, ok := c.rates[batchID]; ok {
		rate = t.ewma
	}
	c.mu.Unlock()

	processed := int(counts.Completed + counts.Failed)
	remaining := batch.TotalItems - processed

	eta := "unknown"
	switch {
	case remaining <= 0:
		eta = "0s"
	case rate > 0:
		eta = (time.Duration(float64(remaining)/rate*float64(time.Minute))).Round(time.Second).String()
	}

	return &domain.BatchStatusView{
		BatchID:   batch.ID,
		Source:    batch.Source,
		Status:    batch.Status,
		Total:     batch.TotalItems,
		Processed: processed,
		Flagged:   int(counts.Flagged),
		Failed:    int(counts.Failed),
		Rate:      rate,
		ETA:       eta,
	}, nil
}

// RetryFailed resets every terminally failed item of the batch to pending
// with a fresh attempt counter and moves the batch back to processing.
func (c *Coordinator) RetryFailed(ctx context.Context, batchID string) (int64, error) {
	if _, err := c.batches.GetByID(ctx, batchID); err != nil {
		return 0, err
	}
	reset, err := c.items.ResetFailed(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset items: %w", err)
	}
	if reset > 0 {
		if err := c.batches.UpdateStatus(ctx, batchID, domain.BatchStatusProcessing, nil); err != nil {
			return reset, err
		}
	}
	c.log(ctx).WithFields(logger.Fields{
		logger.FieldBatchID: batchID,
		logger.FieldCount:   reset,
	}).Info("Batch retry issued")
	return reset, nil
}

// Abort is the explicit operator path to a failed batch. Pending items stay
// where they are; workers finishing in-flight items still record results.
func (c *Coordinator) Abort(ctx context.Context, batchID string) error {
	if _, err := c.batches.GetByID(ctx, batchID); err != nil {
		return err
	}
	now := time.Now()
	if err := c.batches.UpdateStatus(ctx, batchID, domain.BatchStatusFailed, &now); err != nil {
		return err
	}
	c.log(ctx).WithField(logger.FieldBatchID, batchID).Warn("Batch aborted")
	return nil
}

// Delete removes a batch and its items. Refused while any item is being
// processed.
func (c *Coordinator) Delete(ctx context.Context, batchID string) error {
	if _, err := c.batches.GetByID(ctx, batchID); err != nil {
		return err
	}
	counts, err := c.items.CountsForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if counts.Processing > 0 {
		return domain.ErrBatchBusy
	}
	if err := c.batches.Delete(ctx, batchID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.rates, batchID)
	c.mu.Unlock()
	return nil
}

// ListActive returns the status views of all non-terminal batches for the
// monitoring queue view.
func (c *Coordinator) ListActive(ctx context.Context) ([]domain.BatchStatusView, error) {
	batches, err := c.batches.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.BatchStatusView, 0, len(batches))
	for _, b := range batches {
		view, err := c.GetStatus(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// NoteItemTerminal is called by the worker pool after a work item reaches
// a terminal state. It feeds the rate tracker and promotes the batch to
// completed the instant its last outstanding item finishes. A batch whose
// items all failed permanently still completes; permanent failures surface
// through the failed count, not the batch status.
func (c *Coordinator) NoteItemTerminal(ctx context.Context, batchID string) {
	now := time.Now()
	c.mu.Lock()
	t, ok := c.rates[batchID]
	if !ok {
		t = &rateTracker{}
		c.rates[batchID] = t
	}
	t.observe(now)
	c.mu.Unlock()

	remaining, err := c.items.CountNonTerminal(ctx, batchID)
	if err != nil {
		c.log(ctx).WithError(err).Error("Failed to count outstanding items")
		return
	}
	if remaining > 0 {
		return
	}

	// Last outstanding item just finished; the tracker has nothing left
	// to measure.
	c.mu.Lock()
	delete(c.rates, batchID)
	c.mu.Unlock()

	batch, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		c.log(ctx).WithError(err).Error("Failed to load batch for completion check")
		return
	}
	if batch.Status != domain.BatchStatusProcessing {
		// Aborted batches stay failed.
		return
	}
	if err := c.batches.UpdateStatus(ctx, batchID, domain.BatchStatusCompleted, &now); err != nil {
		c.log(ctx).WithError(err).Error("Failed to complete batch")
		return
	}
	c.log(ctx).WithField(logger.FieldBatchID, batchID).Info("Batch completed")
}
