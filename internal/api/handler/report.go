package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/service"
)

// ReportHandler manages scheduled report definitions and run history.
type ReportHandler struct {
	scheduler *service.Scheduler
}

// NewReportHandler creates a new report handler.
func NewReportHandler(scheduler *service.Scheduler) *ReportHandler {
	return &ReportHandler{scheduler: scheduler}
}

// ReportRequest is the create/update body for a scheduled report. The
// schedule can be given either as a raw cron expression or as a time of
// day plus weekday names, which is converted to cron here.
type ReportRequest struct {
	ReportType    string                `json:"report_type" binding:"required"`
	Schedule      string                `json:"schedule"`
	ScheduleTime  string                `json:"schedule_time"`
	ScheduleDays  []string              `json:"schedule_days"`
	Channel       string                `json:"channel" binding:"required"`
	Filters       *domain.ReportFilters `json:"filters"`
	TagRecipients bool                  `json:"tag_recipients"`
	Recipients    []string              `json:"recipients"`
	CustomMessage string                `json:"custom_message"`
}

var weekdayNumbers = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// cronExpression resolves the request's schedule fields into a single
// 5-field cron expression.
func (r *ReportRequest) cronExpression() (string, error) {
	if r.Schedule != "" {
		return r.Schedule, nil
	}
	if r.ScheduleTime == "" {
		return "", &domain.ValidationError{Field: "schedule", Reason: "either schedule or schedule_time is required"}
	}
	parts := strings.Split(r.ScheduleTime, ":")
	if len(parts) != 2 {
		return "", &domain.ValidationError{Field: "schedule_time", Reason: "expected HH:MM"}
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", &domain.ValidationError{Field: "schedule_time", Reason: "hour out of range"}
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", &domain.ValidationError{Field: "schedule_time", Reason: "minute out of range"}
	}

	dow := "*"
	if len(r.ScheduleDays) > 0 {
		nums := make([]string, 0, len(r.ScheduleDays))
		for _, d := range r.ScheduleDays {
			n, ok := weekdayNumbers[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return "", &domain.ValidationError{Field: "schedule_days", Reason: fmt.Sprintf("unknown day %q", d)}
			}
			nums = append(nums, strconv.Itoa(n))
		}
		dow = strings.Join(nums, ",")
	}

	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

func (r *ReportRequest) definition() (*service.ReportDefinition, error) {
	expr, err := r.cronExpression()
	if err != nil {
		return nil, err
	}
	return &service.ReportDefinition{
		ReportType:    r.ReportType,
		Schedule:      expr,
		Channel:       r.Channel,
		Filters:       r.Filters,
		TagRecipients: r.TagRecipients,
		Recipients:    r.Recipients,
		CustomMessage: r.CustomMessage,
	}, nil
}

// Create handles POST /api/v1/scheduled-reports.
func (h *ReportHandler) Create(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := req.definition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.scheduler.CreateReport(c.Request.Context(), def)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

// Update handles PUT /api/v1/scheduled-reports/:id.
func (h *ReportHandler) Update(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := req.definition()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.scheduler.UpdateReport(c.Request.Context(), c.Param("id"), def)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Toggle handles POST /api/v1/scheduled-reports/:id/toggle.
func (h *ReportHandler) Toggle(c *gin.Context) {
	report, err := h.scheduler.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": report.ID, "is_active": report.IsActive})
}

// RunNow handles POST /api/v1/scheduled-reports/:id/run.
func (h *ReportHandler) RunNow(c *gin.Context) {
	run, err := h.scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// List handles GET /api/v1/scheduled-reports.
func (h *ReportHandler) List(c *gin.Context) {
	reports, err := h.scheduler.ListReports(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// Get handles GET /api/v1/scheduled-reports/:id.
func (h *ReportHandler) Get(c *gin.Context) {
	detail, err := h.scheduler.GetReportDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Runs handles GET /api/v1/scheduled-reports/:id/runs with limit/offset
// pagination.
func (h *ReportHandler) Runs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := h.scheduler.Runs(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *ReportHandler) writeError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Scheduled report not found"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, domain.ErrScheduleUnsatisfiable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Schedule never fires within a year"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
