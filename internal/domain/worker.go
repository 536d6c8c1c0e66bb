package domain

import "time"

// WorkerStatus represents the live state of a pool worker.
type WorkerStatus string

const (
	WorkerStatusIdle   WorkerStatus = "idle"
	WorkerStatusBusy   WorkerStatus = "busy"
	WorkerStatusPaused WorkerStatus = "paused"
	WorkerStatusError  WorkerStatus = "error"
)

// WorkerType identifies what a pool worker does.
type WorkerType string

const (
	WorkerTypeVideoAnalysis    WorkerType = "video_analysis"
	WorkerTypeProgressTracking WorkerType = "progress_tracking"
	WorkerTypeReportGeneration WorkerType = "report_generation"
)

// Worker is the persisted record of a pool worker. Workers hold only a
// transient claim on their current item; they never own batches or items.
type Worker struct {
	ID            string       `gorm:"type:text;primaryKey" json:"id"`
	Type          WorkerType   `gorm:"type:text;not null" json:"type"`
	Status        WorkerStatus `gorm:"type:text;default:idle" json:"status"`
	CurrentItemID *string      `gorm:"type:text" json:"current_item_id,omitempty"`
	Completed     int64        `gorm:"default:0" json:"completed"`
	Failed        int64        `gorm:"default:0" json:"failed"`
	TotalBusyMs   int64        `gorm:"default:0" json:"total_busy_ms"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Worker.
func (Worker) TableName() string {
	return "workers"
}

// SuccessRate returns the fraction of finished items that completed, or 0
// when the worker has not finished anything yet.
func (w *Worker) SuccessRate() float64 {
	total := w.Completed + w.Failed
	if total == 0 {
		return 0
	}
	return float64(w.Completed) / float64(total)
}

// AvgProcessingMs returns the mean processing time per finished item in
// milliseconds.
func (w *Worker) AvgProcessingMs() int64 {
	total := w.Completed + w.Failed
	if total == 0 {
		return 0
	}
	return w.TotalBusyMs / total
}
