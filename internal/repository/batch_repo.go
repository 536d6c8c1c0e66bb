package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"gorm.io/gorm"
)

// BatchRepository handles batch data operations.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *BatchRepository: repository instance bound to db.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new batch record.
func (r *BatchRepository) Create(ctx context.Context, batch *domain.Batch) error {
	return r.db.WithContext(ctx).Create(batch).Error
}

// GetByID retrieves a batch by its ID.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var batch domain.Batch
	if err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// UpdateStatus transitions a batch to the given status.
// completedAt is recorded for terminal transitions and cleared otherwise.
func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, completedAt *time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": completedAt,
		}).Error
}

// IncrementTotal bumps the stored item count after items are appended to a
// batch (video uploads arrive one at a time).
func (r *BatchRepository) IncrementTotal(ctx context.Context, id string, delta int) error {
	return r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ?", id).
		Update("total_items", gorm.Expr("total_items + ?", delta)).Error
}

// ListActive retrieves batches that have not reached a terminal state.
func (r *BatchRepository) ListActive(ctx context.Context) ([]domain.Batch, error) {
	var batches []domain.Batch
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.BatchStatus{domain.BatchStatusUploading, domain.BatchStatusProcessing}).
		Order("created_at DESC").
		Find(&batches).Error
	return batches, err
}

// Delete removes a batch and all of its work items.
func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&domain.WorkItem{}, "batch_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Batch{}, "id = ?", id).Error
	})
}

// CountSince counts batches created after the cutoff, for reports.
func (r *BatchRepository) CountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("created_at >= ?", cutoff).
		Count(&count).Error
	return count, err
}
