package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/logger"
	"github.com/opsboard/analyzer/internal/repository"
	"github.com/robfig/cron/v3"
)

// maxLookahead bounds the forward search for the next matching instant of
// a schedule expression. Expressions with no match inside the bound are
// treated as unsatisfiable and the report is auto-deactivated.
const maxLookahead = 366 * 24 * time.Hour

// Scheduler evaluates scheduled report definitions on a cooperative tick,
// generates due reports, and hands the content to the notification
// dispatcher. Exactly one run record is written per due report per
// scheduling slot: overlapping ticks are rejected by a running flag and a
// per-report lock skips reports whose previous run is still in flight.
type Scheduler struct {
	reports   *repository.ReportRepository
	generator *ReportGenerator
	notifier  *Notifier
	logger    *logger.Logger
	interval  time.Duration
	parser    cron.Parser

	ticking atomic.Bool

	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler engine.
func NewScheduler(
	reports *repository.ReportRepository,
	generator *ReportGenerator,
	notifier *Notifier,
	log *logger.Logger,
	tickInterval time.Duration,
) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Scheduler{
		reports:   reports,
		generator: generator,
		notifier:  notifier,
		logger:    log,
		interval:  tickInterval,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		inFlight:  make(map[string]struct{}),
	}
}

func (s *Scheduler) log(ctx context.Context) *logger.Logger {
	return logger.FromContextOr(ctx, s.logger)
}

// NextAfter computes the soonest instant after t satisfying the five-field
// cron expression. Returns ErrScheduleUnsatisfiable when no instant exists
// within the lookahead bound.
func (s *Scheduler) NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "schedule_expression", Reason: err.Error()}
	}
	next := sched.Next(t)
	if next.IsZero() || next.Sub(t) > maxLookahead {
		return time.Time{}, domain.ErrScheduleUnsatisfiable
	}
	return next, nil
}

// Start launches the tick loop. It returns immediately; Stop shuts the
// loop down and waits for in-flight report executions.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx, time.Now())
			}
		}
	}()

	s.logger.WithField("tick_interval", s.interval.String()).Info("Scheduler started")
}

// Stop cancels the tick loop and waits for report executions to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick selects due reports and fans their execution out so one slow report
// never delays the others. A tick that arrives while the previous one is
// still selecting is dropped.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	due, err := s.reports.ListDue(ctx, now)
	if err != nil {
		s.log(ctx).WithError(err).Error("Failed to select due reports")
		return
	}

	for i := range due {
		report := due[i]
		if !s.tryLock(report.ID) {
			// Previous run still in flight; next_run_at is untouched so
			// the report fires again on the next tick, not the next
			// period.
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unlock(report.ID)
			s.runScheduled(ctx, report.ID, now)
		}()
	}
}

// runScheduled executes one due report and advances its schedule. Failures
// are recorded on the run; the slot is consumed either way (at-most-once
// per slot, no automatic retry).
func (s *Scheduler) runScheduled(ctx context.Context, reportID string, now time.Time) {
	rctx := logger.SetReportID(ctx, reportID)

	// Re-read the definition: a toggle may have landed since selection.
	report, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		s.log(rctx).WithError(err).Error("Failed to load due report")
		return
	}
	if !report.IsActive {
		return
	}

	run := s.execute(rctx, report, domain.TriggerScheduled, now)
	if err := s.reports.CreateRun(ctx, run); err != nil {
		s.log(rctx).WithError(err).Error("Failed to record report run")
	}

	next, err := s.NextAfter(report.Schedule, now)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleUnsatisfiable) {
			s.log(rctx).Warn("Schedule unsatisfiable, deactivating report")
			if derr := s.reports.Deactivate(ctx, report.ID, true); derr != nil {
				s.log(rctx).WithError(derr).Error("Failed to deactivate report")
			}
			return
		}
		s.log(rctx).WithError(err).Error("Failed to compute next run")
		return
	}
	if err := s.reports.AdvanceRun(ctx, report.ID, now, &next); err != nil {
		s.log(rctx).WithError(err).Error("Failed to advance schedule")
	}
}

// execute generates and dispatches one report, returning the audit record.
// Generation and dispatch errors both yield a failed run; neither aborts
// the tick loop.
func (s *Scheduler) execute(ctx context.Context, report *domain.ScheduledReport, trigger domain.ReportRunTrigger, now time.Time) *domain.ReportRun {
	run := &domain.ReportRun{
		ID:       uuid.New().String(),
		ReportID: report.ID,
		RunAt:    now,
		Trigger:  trigger,
		Status:   domain.ReportRunCompleted,
	}

	gen, err := s.generator.Generate(ctx, report)
	if err != nil {
		run.Status = domain.ReportRunFailed
		run.ErrorMessage = fmt.Sprintf("generation failed: %v", err)
		s.log(ctx).WithError(err).Error("Report generation failed")
		return run
	}

	_, err = s.notifier.Send(ctx, report.Channel, gen.Title, gen.Body,
		report.Recipients, report.TagRecipients, run.ID)
	if err != nil {
		run.Status = domain.ReportRunFailed
		run.ErrorMessage = fmt.Sprintf("dispatch failed: %v", err)
		s.log(ctx).WithError(err).Error("Report dispatch failed")
		return run
	}

	run.RecipientsNotified = domain.StringArray(report.Recipients)
	s.log(ctx).WithFields(logger.Fields{
		"report_type": report.ReportType,
		"channel":     report.Channel,
		"trigger":     trigger,
	}).Info("Report dispatched")
	return run
}

// RunNow executes a report immediately, bypassing the schedule. It shares
// the per-report lock with scheduled runs but never touches next_run_at.
func (s *Scheduler) RunNow(ctx context.Context, reportID string) (*domain.ReportRun, error) {
	report, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !s.tryLock(reportID) {
		return nil, fmt.Errorf("report %s is already running", reportID)
	}
	defer s.unlock(reportID)

	run := s.execute(logger.SetReportID(ctx, reportID), report, domain.TriggerManual, time.Now())
	if err := s.reports.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record report run: %w", err)
	}
	return run, nil
}

// ReportDefinition carries the editable fields of a scheduled report.
type ReportDefinition struct {
	ReportType    string
	Schedule      string
	Channel       string
	Filters       *domain.ReportFilters
	TagRecipients bool
	Recipients    []string
	CustomMessage string
}

func (s *Scheduler) validateDefinition(def *ReportDefinition) error {
	switch def.ReportType {
	case ReportTypeBatchSummary, ReportTypeFlaggedItems, ReportTypeWorkerPerformance:
	default:
		return &domain.ValidationError{Field: "report_type", Reason: fmt.Sprintf("unknown report type %q", def.ReportType)}
	}
	if def.Channel == "" {
		return &domain.ValidationError{Field: "channel", Reason: "must not be empty"}
	}
	if s.notifier != nil && !s.notifier.HasChannel(def.Channel) {
		return &domain.ValidationError{Field: "channel", Reason: fmt.Sprintf("no webhook configured for %q", def.Channel)}
	}
	return nil
}

// CreateReport validates and persists a new report definition with its
// first next_run_at computed from now.
func (s *Scheduler) CreateReport(ctx context.Context, def *ReportDefinition) (*domain.ScheduledReport, error) {
	if err := s.validateDefinition(def); err != nil {
		return nil, err
	}
	now := time.Now()
	next, err := s.NextAfter(def.Schedule, now)
	if err != nil {
		return nil, err
	}

	report := &domain.ScheduledReport{
		ID:            uuid.New().String(),
		ReportType:    def.ReportType,
		Schedule:      def.Schedule,
		Channel:       def.Channel,
		Filters:       def.Filters,
		TagRecipients: def.TagRecipients,
		Recipients:    domain.StringArray(def.Recipients),
		CustomMessage: def.CustomMessage,
		IsActive:      true,
		NextRunAt:     &next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	return report, nil
}

// UpdateReport applies an edited definition. next_run_at is always
// recomputed on edit.
func (s *Scheduler) UpdateReport(ctx context.Context, id string, def *ReportDefinition) (*domain.ScheduledReport, error) {
	if err := s.validateDefinition(def); err != nil {
		return nil, err
	}
	report, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := s.NextAfter(def.Schedule, time.Now())
	if err != nil {
		return nil, err
	}

	report.ReportType = def.ReportType
	report.Schedule = def.Schedule
	report.Channel = def.Channel
	report.Filters = def.Filters
	report.TagRecipients = def.TagRecipients
	report.Recipients = domain.StringArray(def.Recipients)
	report.CustomMessage = def.CustomMessage
	report.Misconfigured = false
	report.NextRunAt = &next
	if err := s.reports.Update(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to update report: %w", err)
	}
	return report, nil
}

// Toggle flips a report's active flag. Re-activation recomputes
// next_run_at from now and clears the misconfigured flag.
func (s *Scheduler) Toggle(ctx context.Context, id string) (*domain.ScheduledReport, error) {
	report, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	active := !report.IsActive
	var next *time.Time
	if active {
		n, err := s.NextAfter(report.Schedule, time.Now())
		if err != nil {
			return nil, err
		}
		next = &n
	}
	if err := s.reports.SetActive(ctx, id, active, next); err != nil {
		return nil, err
	}
	return s.reports.GetByID(ctx, id)
}

// ListReports returns all report definitions.
func (s *Scheduler) ListReports(ctx context.Context) ([]domain.ScheduledReport, error) {
	return s.reports.List(ctx)
}

// GetReport returns one report definition.
func (s *Scheduler) GetReport(ctx context.Context, id string) (*domain.ScheduledReport, error) {
	return s.reports.GetByID(ctx, id)
}

// ReportDetail pairs a report definition with its recent run activity.
type ReportDetail struct {
	*domain.ScheduledReport
	RunsLastWeek int64 `json:"runs_last_week"`
}

// GetReportDetail returns one report definition together with the number
// of runs recorded over the past seven days.
func (s *Scheduler) GetReportDetail(ctx context.Context, id string) (*ReportDetail, error) {
	report, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := s.reports.CountRunsSince(ctx, id, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &ReportDetail{ScheduledReport: report, RunsLastWeek: count}, nil
}

// Runs returns the paginated run history of a report, newest first.
func (s *Scheduler) Runs(ctx context.Context, id string, limit, offset int) ([]domain.ReportRun, int64, error) {
	if _, err := s.reports.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.reports.ListRuns(ctx, id, limit, offset)
}

func (s *Scheduler) tryLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[id]; held {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) unlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
