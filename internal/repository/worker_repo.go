package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkerRepository handles worker records. The pool is the only writer;
// the records exist so the monitoring API can read worker state without
// reaching into the pool's internals.
type WorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository creates a new WorkerRepository.
func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Upsert registers a worker, keeping its lifetime tallies across restarts.
func (r *WorkerRepository) Upsert(ctx context.Context, worker *domain.Worker) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "status", "current_item_id", "updated_at"}),
	}).Create(worker).Error
}

// GetByID retrieves a worker by its ID.
func (r *WorkerRepository) GetByID(ctx context.Context, id string) (*domain.Worker, error) {
	var worker domain.Worker
	if err := r.db.WithContext(ctx).First(&worker, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, err
	}
	return &worker, nil
}

// SetStatus updates a worker's live status and current claim reference.
func (r *WorkerRepository) SetStatus(ctx context.Context, id string, status domain.WorkerStatus, currentItemID *string) error {
	return r.db.WithContext(ctx).Model(&domain.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"current_item_id": currentItemID,
		}).Error
}

// RecordFinish adds one finished item to the worker's tallies.
func (r *WorkerRepository) RecordFinish(ctx context.Context, id string, succeeded bool, busy time.Duration) error {
	updates := map[string]interface{}{
		"total_busy_ms": gorm.Expr("total_busy_ms + ?", busy.Milliseconds()),
	}
	if succeeded {
		updates["completed"] = gorm.Expr("completed + 1")
	} else {
		updates["failed"] = gorm.Expr("failed + 1")
	}
	return r.db.WithContext(ctx).Model(&domain.Worker{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// List retrieves all registered workers.
func (r *WorkerRepository) List(ctx context.Context) ([]domain.Worker, error) {
	var workers []domain.Worker
	err := r.db.WithContext(ctx).Order("id ASC").Find(&workers).Error
	return workers, err
}
