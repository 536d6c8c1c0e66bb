package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"gorm.io/gorm"
)

// claimOrder ranks pending items: highest priority first, then oldest.
const claimOrder = "CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC"

// claimRetries bounds how often ClaimNext re-selects after losing a race.
const claimRetries = 5

// WorkItemRepository handles work item data operations.
type WorkItemRepository struct {
	db *gorm.DB
}

// NewWorkItemRepository creates a new WorkItemRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *WorkItemRepository: repository instance bound to db.
func NewWorkItemRepository(db *gorm.DB) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

// CreateAll inserts a set of work items.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - items: work item records to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *WorkItemRepository) CreateAll(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

// GetByID retrieves a work item by its ID.
func (r *WorkItemRepository) GetByID(ctx context.Context, id string) (*domain.WorkItem, error) {
	var item domain.WorkItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimNext atomically claims the next eligible pending item for a worker.
// Selection is highest priority first, then oldest created_at; items whose
// retry backoff (not_before) has not elapsed are skipped. The transition is
// a compare-and-swap on status so no two workers can claim the same item:
// the UPDATE only matches rows still pending, and a zero row count means
// another worker won the race, in which case selection is retried.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - workerID: worker acquiring the claim.
//   - now: claim timestamp.
// Returns:
//   - *domain.WorkItem: claimed item, or nil when nothing is eligible.
//   - error: non-nil if a query fails.
func (r *WorkItemRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.WorkItem, error) {
	for i := 0; i < claimRetries; i++ {
		var item domain.WorkItem
		err := r.db.WithContext(ctx).
			Where("status = ? AND (not_before IS NULL OR not_before <= ?)", domain.WorkItemStatusPending, now).
			Order(claimOrder).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select pending item: %w", err)
		}

		res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
			Where("id = ? AND status = ?", item.ID, domain.WorkItemStatusPending).
			Updates(map[string]interface{}{
				"status":             domain.WorkItemStatusProcessing,
				"assigned_worker_id": workerID,
				"started_at":         now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim item: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			item.Status = domain.WorkItemStatusProcessing
			item.AssignedWorkerID = &workerID
			item.StartedAt = &now
			return &item, nil
		}
		// Lost the race to another worker; select again.
	}
	return nil, nil
}

// Complete transitions a processing item to completed with its result. The
// write only matches while workerID still holds the claim, so a worker whose
// claim was reclaimed and handed to someone else cannot overwrite the new
// holder's state.
func (r *WorkItemRepository) Complete(ctx context.Context, id, workerID string, result *domain.AnalysisResult, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id = ? AND status = ? AND assigned_worker_id = ?", id, domain.WorkItemStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":             domain.WorkItemStatusCompleted,
			"result":             result,
			"assigned_worker_id": nil,
			"completed_at":       now,
			"last_error":         "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %s is not held by %s", id, workerID)
	}
	return nil
}

// Fail records a processing failure. Below maxAttempts the item returns to
// pending with a backoff gate; at maxAttempts it becomes terminally failed.
// Like Complete, the write is guarded on workerID still holding the claim.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: work item ID.
//   - workerID: worker recording the failure; must still hold the claim.
//   - errMsg: failure description stored on the row.
//   - maxAttempts: attempt ceiling.
//   - notBefore: earliest next claim time for a retried item.
// Returns:
//   - bool: true when the item failed terminally.
//   - error: non-nil if a query fails.
func (r *WorkItemRepository) Fail(ctx context.Context, id, workerID, errMsg string, maxAttempts int, notBefore time.Time) (bool, error) {
	var item domain.WorkItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return false, err
	}

	attempts := item.Attempts + 1
	updates := map[string]interface{}{
		"attempts":           attempts,
		"assigned_worker_id": nil,
		"last_error":         errMsg,
	}
	terminal := attempts >= maxAttempts
	if terminal {
		now := time.Now()
		updates["status"] = domain.WorkItemStatusFailed
		updates["completed_at"] = now
	} else {
		updates["status"] = domain.WorkItemStatusPending
		updates["not_before"] = notBefore
		updates["started_at"] = nil
	}

	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id = ? AND status = ? AND assigned_worker_id = ?", id, domain.WorkItemStatusProcessing, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("item %s is not held by %s", id, workerID)
	}
	return terminal, nil
}

// Release returns a processing item to pending without counting an
// attempt. Used by administrative worker restarts and cancellations. A
// release by a worker that no longer holds the claim is a no-op.
func (r *WorkItemRepository) Release(ctx context.Context, id, workerID string) error {
	return r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id = ? AND status = ? AND assigned_worker_id = ?", id, domain.WorkItemStatusProcessing, workerID).
		Updates(map[string]interface{}{
			"status":             domain.WorkItemStatusPending,
			"assigned_worker_id": nil,
			"started_at":         nil,
		}).Error
}

// ReclaimStuck force-releases items stuck in processing since before the
// cutoff, returning them to pending with an extra attempt counted. This is
// the forward-progress guarantee when a worker dies mid-task.
// Returns:
//   - int64: number of reclaimed items.
//   - error: non-nil if the update fails.
func (r *WorkItemRepository) ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("status = ? AND started_at < ?", domain.WorkItemStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":             domain.WorkItemStatusPending,
			"assigned_worker_id": nil,
			"started_at":         nil,
			"attempts":           gorm.Expr("attempts + 1"),
		})
	return res.RowsAffected, res.Error
}

// ResetFailed returns all terminally failed items of a batch to pending
// with a fresh attempt counter. Used by the batch retry operation.
// Returns:
//   - int64: number of items reset.
//   - error: non-nil if the update fails.
func (r *WorkItemRepository) ResetFailed(ctx context.Context, batchID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("batch_id = ? AND status = ?", batchID, domain.WorkItemStatusFailed).
		Updates(map[string]interface{}{
			"status":       domain.WorkItemStatusPending,
			"attempts":     0,
			"not_before":   nil,
			"completed_at": nil,
			"last_error":   "",
		})
	return res.RowsAffected, res.Error
}

// BatchCounts holds per-status tallies for one batch, computed from work
// item rows in a single query so pollers always see a consistent snapshot.
type BatchCounts struct {
	Total      int64
	Completed  int64
	Failed     int64
	Flagged    int64
	Processing int64
}

// CountsForBatch computes status tallies for a batch from its item rows.
func (r *WorkItemRepository) CountsForBatch(ctx context.Context, batchID string) (*BatchCounts, error) {
	var rows []struct {
		Status  domain.WorkItemStatus
		Flagged int64
		N       int64
	}
	err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Select("status, SUM(CASE WHEN result LIKE '%\"flag_status\":\"flagged\"%' THEN 1 ELSE 0 END) AS flagged, COUNT(*) AS n").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := &BatchCounts{}
	for _, row := range rows {
		counts.Total += row.N
		switch row.Status {
		case domain.WorkItemStatusCompleted:
			counts.Completed += row.N
			counts.Flagged += row.Flagged
		case domain.WorkItemStatusFailed:
			counts.Failed += row.N
		case domain.WorkItemStatusProcessing:
			counts.Processing += row.N
		}
	}
	return counts, nil
}

// CountNonTerminal counts items of a batch that are not yet completed or failed.
func (r *WorkItemRepository) CountNonTerminal(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("batch_id = ? AND status IN ?", batchID,
			[]domain.WorkItemStatus{domain.WorkItemStatusPending, domain.WorkItemStatusProcessing}).
		Count(&count).Error
	return count, err
}

// ListByBatch retrieves items of a batch with pagination.
func (r *WorkItemRepository) ListByBatch(ctx context.Context, batchID string, limit, offset int) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	return items, err
}

// CompletedSince retrieves completed items whose completion time falls
// after the cutoff, for report generation.
func (r *WorkItemRepository) CompletedSince(ctx context.Context, cutoff time.Time) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND completed_at >= ?", domain.WorkItemStatusCompleted, cutoff).
		Order("completed_at ASC").
		Find(&items).Error
	return items, err
}
