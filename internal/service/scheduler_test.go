package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/repository"
)

// newTestScheduler wires a scheduler against a throwaway database and a
// stub webhook endpoint counting deliveries.
func newTestScheduler(t *testing.T) (*Scheduler, *repository.ReportRepository, *int32) {
	t.Helper()
	db := testDB(t)
	reports := repository.NewReportRepository(db)
	generator := NewReportGenerator(
		repository.NewWorkItemRepository(db),
		repository.NewBatchRepository(db),
		repository.NewWorkerRepository(db),
	)

	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	notifier := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
		Timeout:  5 * time.Second,
	}, testLogger())

	return NewScheduler(reports, generator, notifier, testLogger(), time.Second), reports, &delivered
}

func TestNextAfter(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	// 10:00 is past today's 09:00 slot, so the next occurrence is tomorrow.
	from := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	next, err := s.NextAfter("0 9 * * *", from)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Before the slot, the same day still fires.
	from = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	next, err = s.NextAfter("0 9 * * *", from)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	want = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextAfterInvalidExpression(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.NextAfter("not a cron", time.Now())
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestNextAfterUnsatisfiable(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	// February 31st never exists.
	_, err := s.NextAfter("0 9 31 2 *", time.Now())
	if !errors.Is(err, domain.ErrScheduleUnsatisfiable) {
		t.Errorf("expected ErrScheduleUnsatisfiable, got %v", err)
	}
}

func TestCreateReportValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		def  ReportDefinition
	}{
		{
			name: "unknown report type",
			def:  ReportDefinition{ReportType: "weekly_digest", Schedule: "0 9 * * *", Channel: "qa-team"},
		},
		{
			name: "unconfigured channel",
			def:  ReportDefinition{ReportType: ReportTypeBatchSummary, Schedule: "0 9 * * *", Channel: "nobody"},
		},
		{
			name: "bad schedule",
			def:  ReportDefinition{ReportType: ReportTypeBatchSummary, Schedule: "bogus", Channel: "qa-team"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateReport(ctx, &tc.def)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateReportComputesNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
		Recipients: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if !report.IsActive {
		t.Error("new report should be active")
	}
	if report.NextRunAt == nil || !report.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want a future instant", report.NextRunAt)
	}
}

func TestTickRunsDueReportExactlyOnce(t *testing.T) {
	s, reports, delivered := newTestScheduler(t)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	// Force the slot into the past so the next tick picks it up.
	past := time.Now().Add(-time.Minute)
	if err := reports.AdvanceRun(ctx, report.ID, past, &past); err != nil {
		t.Fatalf("AdvanceRun failed: %v", err)
	}

	s.tick(ctx, time.Now())
	s.wg.Wait()

	runs, total, err := s.Runs(ctx, report.ID, 10, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if total != 1 || len(runs) != 1 {
		t.Fatalf("runs = %d, want exactly 1", total)
	}
	if runs[0].Status != domain.ReportRunCompleted {
		t.Errorf("run status = %s, want completed", runs[0].Status)
	}
	if runs[0].Trigger != domain.TriggerScheduled {
		t.Errorf("run trigger = %s, want scheduled", runs[0].Trigger)
	}
	if n := atomic.LoadInt32(delivered); n != 1 {
		t.Errorf("webhook deliveries = %d, want 1", n)
	}

	// The slot was consumed: a second tick finds nothing due.
	s.tick(ctx, time.Now())
	s.wg.Wait()
	_, total, err = s.Runs(ctx, report.ID, 10, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if total != 1 {
		t.Errorf("runs after second tick = %d, want still 1", total)
	}

	updated, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want advanced into the future", updated.NextRunAt)
	}
}

func TestConcurrentTicksRunDueReportOnce(t *testing.T) {
	db := testDB(t)
	reports := repository.NewReportRepository(db)
	generator := NewReportGenerator(
		repository.NewWorkItemRepository(db),
		repository.NewBatchRepository(db),
		repository.NewWorkerRepository(db),
	)

	// Slow webhook keeps the run in flight while other ticks arrive.
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	notifier := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
		Timeout:  5 * time.Second,
	}, testLogger())
	s := NewScheduler(reports, generator, notifier, testLogger(), time.Second)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := reports.AdvanceRun(ctx, report.ID, past, &past); err != nil {
		t.Fatalf("AdvanceRun failed: %v", err)
	}

	// Hammer tick from several goroutines, then keep ticking while the
	// first run is still dispatching.
	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < 8; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			s.tick(ctx, time.Now())
		}()
	}
	start.Done()
	done.Wait()
	for i := 0; i < 5; i++ {
		s.tick(ctx, time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	s.wg.Wait()

	_, total, err := s.Runs(ctx, report.ID, 10, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if total != 1 {
		t.Errorf("runs = %d, want exactly 1", total)
	}
	if n := atomic.LoadInt32(&delivered); n != 1 {
		t.Errorf("webhook deliveries = %d, want 1", n)
	}
}

func TestToggledOffReportNeverRuns(t *testing.T) {
	s, reports, delivered := newTestScheduler(t)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := reports.AdvanceRun(ctx, report.ID, past, &past); err != nil {
		t.Fatalf("AdvanceRun failed: %v", err)
	}

	if _, err := s.Toggle(ctx, report.ID); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	s.tick(ctx, time.Now())
	s.wg.Wait()

	_, total, err := s.Runs(ctx, report.ID, 10, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if total != 0 {
		t.Errorf("runs = %d, want 0 for a deactivated report", total)
	}
	if n := atomic.LoadInt32(delivered); n != 0 {
		t.Errorf("webhook deliveries = %d, want 0", n)
	}
}

func TestRunNowDoesNotAdvanceSchedule(t *testing.T) {
	s, _, delivered := newTestScheduler(t)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeFlaggedItems,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	before := *report.NextRunAt

	run, err := s.RunNow(ctx, report.ID)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if run.Trigger != domain.TriggerManual {
		t.Errorf("trigger = %s, want manual", run.Trigger)
	}
	if run.Status != domain.ReportRunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if n := atomic.LoadInt32(delivered); n != 1 {
		t.Errorf("webhook deliveries = %d, want 1", n)
	}

	after, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.Equal(before) {
		t.Errorf("next_run_at changed by manual run: %v -> %v", before, after.NextRunAt)
	}
}

func TestReportDetailCountsRecentRuns(t *testing.T) {
	s, reports, _ := newTestScheduler(t)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.RunNow(ctx, report.ID); err != nil {
			t.Fatalf("RunNow failed: %v", err)
		}
	}
	// A run outside the window stays out of the count.
	old := &domain.ReportRun{
		ID:       "run-old",
		ReportID: report.ID,
		RunAt:    time.Now().Add(-8 * 24 * time.Hour),
		Trigger:  domain.TriggerScheduled,
		Status:   domain.ReportRunCompleted,
	}
	if err := reports.CreateRun(ctx, old); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	detail, err := s.GetReportDetail(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReportDetail failed: %v", err)
	}
	if detail.RunsLastWeek != 2 {
		t.Errorf("runs_last_week = %d, want 2", detail.RunsLastWeek)
	}
}

func TestUnsatisfiableScheduleDeactivatesReport(t *testing.T) {
	s, reports, _ := newTestScheduler(t)
	ctx := context.Background()

	// Seed directly: CreateReport would reject the expression upfront.
	past := time.Now().Add(-time.Minute)
	report := &domain.ScheduledReport{
		ID:         "r-unsat",
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 31 2 *",
		Channel:    "qa-team",
		IsActive:   true,
		NextRunAt:  &past,
	}
	if err := reports.Create(ctx, report); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.tick(ctx, time.Now())
	s.wg.Wait()

	updated, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if updated.IsActive {
		t.Error("report still active after unsatisfiable schedule")
	}
	if !updated.Misconfigured {
		t.Error("misconfigured flag not set")
	}
}

func TestScheduledRunRecordsDispatchFailure(t *testing.T) {
	db := testDB(t)
	reports := repository.NewReportRepository(db)
	generator := NewReportGenerator(
		repository.NewWorkItemRepository(db),
		repository.NewBatchRepository(db),
		repository.NewWorkerRepository(db),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	notifier := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
	}, testLogger())
	s := NewScheduler(reports, generator, notifier, testLogger(), time.Second)
	ctx := context.Background()

	report, err := s.CreateReport(ctx, &ReportDefinition{
		ReportType: ReportTypeBatchSummary,
		Schedule:   "0 9 * * *",
		Channel:    "qa-team",
	})
	if err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := reports.AdvanceRun(ctx, report.ID, past, &past); err != nil {
		t.Fatalf("AdvanceRun failed: %v", err)
	}

	s.tick(ctx, time.Now())
	s.wg.Wait()

	runs, total, err := s.Runs(ctx, report.ID, 10, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("runs = %d, want 1", total)
	}
	if runs[0].Status != domain.ReportRunFailed {
		t.Errorf("run status = %s, want failed", runs[0].Status)
	}
	if runs[0].ErrorMessage == "" {
		t.Error("failed run has no error message")
	}

	// The slot is still consumed: no automatic retry.
	updated, err := s.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want advanced despite failure", updated.NextRunAt)
	}
}
