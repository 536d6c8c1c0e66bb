package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ReportFilters narrows which analysis results a report covers.
type ReportFilters struct {
	WindowDays    int     `json:"window_days,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	FlaggedOnly   bool    `json:"flagged_only,omitempty"`
	Source        string  `json:"source,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
func (f *ReportFilters) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (f *ReportFilters) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ReportFilters")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, f)
}

// ScheduledReport is a recurring report definition driven by a five-field
// cron expression (minute hour day-of-month month day-of-week).
// NextRunAt is always the soonest future instant satisfying the expression
// after LastRunAt (or creation time if never run), recomputed on every run
// and every edit.
type ScheduledReport struct {
	ID            string         `gorm:"type:text;primaryKey" json:"id"`
	ReportType    string         `gorm:"type:text;not null" json:"report_type"`
	Schedule      string         `gorm:"type:text;not null" json:"schedule_expression"`
	Filters       *ReportFilters `gorm:"type:text" json:"filters,omitempty"`
	Channel       string         `gorm:"type:text;not null" json:"channel"`
	TagRecipients bool           `gorm:"default:false" json:"tag_recipients"`
	Recipients    StringArray    `gorm:"type:text" json:"recipients"`
	CustomMessage string         `gorm:"type:text" json:"custom_message,omitempty"`
	IsActive      bool           `gorm:"default:true;index:idx_scheduled_reports_active" json:"is_active"`
	Misconfigured bool           `gorm:"default:false" json:"misconfigured"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName returns the database table name for ScheduledReport.
func (ScheduledReport) TableName() string {
	return "scheduled_reports"
}

// ReportRunStatus is the terminal outcome of one report execution.
type ReportRunStatus string

const (
	ReportRunCompleted ReportRunStatus = "completed"
	ReportRunFailed    ReportRunStatus = "failed"
)

// ReportRunTrigger records what caused a run.
type ReportRunTrigger string

const (
	TriggerScheduled ReportRunTrigger = "scheduled"
	TriggerManual    ReportRunTrigger = "manual"
)

// ReportRun is an append-only audit record of one execution of a
// ScheduledReport. Never mutated after creation.
type ReportRun struct {
	ID                 string           `gorm:"type:text;primaryKey" json:"id"`
	ReportID           string           `gorm:"type:text;not null;index:idx_report_runs_report" json:"report_id"`
	RunAt              time.Time        `json:"run_at"`
	Status             ReportRunStatus  `gorm:"type:text" json:"status"`
	Trigger            ReportRunTrigger `gorm:"type:text;default:scheduled" json:"trigger"`
	RecipientsNotified StringArray      `gorm:"type:text" json:"recipients_notified"`
	ErrorMessage       string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// TableName returns the database table name for ReportRun.
func (ReportRun) TableName() string {
	return "report_runs"
}
