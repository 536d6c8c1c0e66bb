package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// WorkItemStatus represents the lifecycle state of a work item.
// Values include WorkItemStatusPending, WorkItemStatusProcessing,
// WorkItemStatusCompleted, and WorkItemStatusFailed.
type WorkItemStatus string

const (
	WorkItemStatusPending    WorkItemStatus = "pending"
	WorkItemStatusProcessing WorkItemStatus = "processing"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusFailed     WorkItemStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemStatusCompleted || s == WorkItemStatusFailed
}

// WorkItemKind identifies the type of analysis unit.
type WorkItemKind string

const (
	WorkItemKindCSVRow WorkItemKind = "csv_row"
	WorkItemKindVideo  WorkItemKind = "video"
)

// Priority controls claim ordering within the pending queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ValidKind reports whether k is one of the known work item kinds.
func ValidKind(k WorkItemKind) bool {
	return k == WorkItemKindCSVRow || k == WorkItemKindVideo
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// FlagStatus marks whether an analysis result flagged the item for review.
type FlagStatus string

const (
	FlagStatusClean   FlagStatus = "clean"
	FlagStatusFlagged FlagStatus = "flagged"
)

// AnalysisResult is the outcome produced by the analysis collaborator for
// one work item. Stored as a JSON column on the work item row.
type AnalysisResult struct {
	Confidence float64            `json:"confidence"`
	FlagStatus FlagStatus         `json:"flag_status"`
	Issues     []string           `json:"issues,omitempty"`
	SubScores  map[string]float64 `json:"sub_scores,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
func (r *AnalysisResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (r *AnalysisResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan AnalysisResult")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, r)
}

// WorkItem represents one unit of AI quality analysis: a single CSV row or
// one uploaded video. Items are claimed by exactly one worker at a time;
// terminal states are only re-entered through an explicit retry that resets
// the item to pending.
type WorkItem struct {
	ID               string          `gorm:"type:text;primaryKey" json:"id"`
	BatchID          string          `gorm:"type:text;not null;index:idx_work_items_batch" json:"batch_id"`
	Kind             WorkItemKind    `gorm:"type:text;not null" json:"kind"`
	Priority         Priority        `gorm:"type:text;default:medium" json:"priority"`
	Status           WorkItemStatus  `gorm:"type:text;index:idx_work_items_status;default:pending" json:"status"`
	Payload          string          `gorm:"type:text" json:"payload,omitempty"`
	AssignedWorkerID *string         `gorm:"type:text" json:"assigned_worker_id,omitempty"`
	Result           *AnalysisResult `gorm:"type:text" json:"result,omitempty"`
	Attempts         int             `gorm:"default:0" json:"attempts"`
	LastError        string          `gorm:"type:text" json:"last_error,omitempty"`
	NotBefore        *time.Time      `json:"not_before,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TableName returns the database table name for WorkItem.
func (WorkItem) TableName() string {
	return "work_items"
}
