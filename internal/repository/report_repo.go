package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"gorm.io/gorm"
)

// ReportRepository handles scheduled report definitions and their
// append-only run history. The scheduler engine is the exclusive owner of
// both tables.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create inserts a new scheduled report definition.
func (r *ReportRepository) Create(ctx context.Context, report *domain.ScheduledReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// Update saves an edited report definition.
func (r *ReportRepository) Update(ctx context.Context, report *domain.ScheduledReport) error {
	return r.db.WithContext(ctx).Save(report).Error
}

// GetByID retrieves a scheduled report by its ID.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*domain.ScheduledReport, error) {
	var report domain.ScheduledReport
	if err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReportNotFound
		}
		return nil, err
	}
	return &report, nil
}

// List retrieves all scheduled report definitions.
func (r *ReportRepository) List(ctx context.Context) ([]domain.ScheduledReport, error) {
	var reports []domain.ScheduledReport
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&reports).Error
	return reports, err
}

// ListDue retrieves active reports whose next run time has arrived.
func (r *ReportRepository) ListDue(ctx context.Context, now time.Time) ([]domain.ScheduledReport, error) {
	var reports []domain.ScheduledReport
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&reports).Error
	return reports, err
}

// AdvanceRun records a completed scheduling slot: last_run_at moves to the
// slot time and next_run_at to the following occurrence. Applied on both
// successful and failed runs; a missed slot is never retried.
func (r *ReportRepository) AdvanceRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.ScheduledReport{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
		}).Error
}

// Deactivate turns a report off. When misconfigured is set the report was
// auto-deactivated because its expression is unsatisfiable.
func (r *ReportRepository) Deactivate(ctx context.Context, id string, misconfigured bool) error {
	return r.db.WithContext(ctx).Model(&domain.ScheduledReport{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":     false,
			"misconfigured": misconfigured,
		}).Error
}

// SetActive flips is_active and stores the recomputed next run time.
func (r *ReportRepository) SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	updates := map[string]interface{}{
		"is_active": active,
	}
	if active {
		updates["next_run_at"] = nextRun
		updates["misconfigured"] = false
	}
	return r.db.WithContext(ctx).Model(&domain.ScheduledReport{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CreateRun appends a run record to the audit trail.
func (r *ReportRepository) CreateRun(ctx context.Context, run *domain.ReportRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// ListRuns retrieves run history for a report, newest first, paginated.
func (r *ReportRepository) ListRuns(ctx context.Context, reportID string, limit, offset int) ([]domain.ReportRun, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.ReportRun{}).
		Where("report_id = ?", reportID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []domain.ReportRun
	err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("run_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	return runs, total, err
}

// CountRunsSince counts runs for a report recorded after the cutoff.
func (r *ReportRepository) CountRunsSince(ctx context.Context, reportID string, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ReportRun{}).
		Where("report_id = ? AND run_at >= ?", reportID, cutoff).
		Count(&count).Error
	return count, err
}
