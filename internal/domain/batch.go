package domain

import "time"

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusUploading  BatchStatus = "uploading"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Batch is a named collection of work items submitted together, one CSV
// upload or one video. Processed/flagged/failed counts are derived from
// work item rows on read, never stored, so they cannot drift.
type Batch struct {
	ID          string      `gorm:"type:text;primaryKey" json:"id"`
	Source      string      `gorm:"type:text;not null" json:"source"`
	Status      BatchStatus `gorm:"type:text;index:idx_batches_status;default:processing" json:"status"`
	TotalItems  int         `gorm:"default:0" json:"total_items"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "batches"
}

// BatchStatusView is the polling payload for a batch. Rate is an
// exponentially weighted moving average of completions per minute; ETA is
// "unknown" while the rate is zero.
type BatchStatusView struct {
	BatchID   string      `json:"batch_id"`
	Source    string      `json:"source"`
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Flagged   int         `json:"flagged"`
	Failed    int         `json:"failed"`
	Rate      float64     `json:"rate"`
	ETA       string      `json:"eta"`
}
