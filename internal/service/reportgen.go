package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/repository"
)

// Known report types.
const (
	ReportTypeBatchSummary      = "batch_summary"
	ReportTypeFlaggedItems      = "flagged_items"
	ReportTypeWorkerPerformance = "worker_performance"
)

// GeneratedReport is the content handed to the notification dispatcher.
type GeneratedReport struct {
	Title string
	Body  string
}

// ReportGenerator builds report content from accumulated analysis results.
type ReportGenerator struct {
	items   *repository.WorkItemRepository
	batches *repository.BatchRepository
	workers *repository.WorkerRepository
}

// NewReportGenerator creates a new report generator.
func NewReportGenerator(
	items *repository.WorkItemRepository,
	batches *repository.BatchRepository,
	workers *repository.WorkerRepository,
) *ReportGenerator {
	return &ReportGenerator{items: items, batches: batches, workers: workers}
}

// Generate builds the content for one scheduled report according to its
// type and filters.
func (g *ReportGenerator) Generate(ctx context.Context, report *domain.ScheduledReport) (*GeneratedReport, error) {
	filters := report.Filters
	if filters == nil {
		filters = &domain.ReportFilters{}
	}
	windowDays := filters.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -windowDays)

	var gen *GeneratedReport
	var err error
	switch report.ReportType {
	case ReportTypeBatchSummary:
		gen, err = g.batchSummary(ctx, cutoff, windowDays)
	case ReportTypeFlaggedItems:
		gen, err = g.flaggedItems(ctx, cutoff, windowDays, filters)
	case ReportTypeWorkerPerformance:
		gen, err = g.workerPerformance(ctx)
	default:
		return nil, fmt.Errorf("unknown report type %q", report.ReportType)
	}
	if err != nil {
		return nil, err
	}

	if report.CustomMessage != "" {
		gen.Body = report.CustomMessage + "\n\n" + gen.Body
	}
	return gen, nil
}

func (g *ReportGenerator) batchSummary(ctx context.Context, cutoff time.Time, windowDays int) (*GeneratedReport, error) {
	batchCount, err := g.batches.CountSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	items, err := g.items.CompletedSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed items: %w", err)
	}

	flagged := 0
	var confidenceSum float64
	for i := range items {
		if items[i].Result != nil {
			confidenceSum += items[i].Result.Confidence
			if items[i].Result.FlagStatus == domain.FlagStatusFlagged {
				flagged++
			}
		}
	}
	avgConfidence := 0.0
	if len(items) > 0 {
		avgConfidence = confidenceSum / float64(len(items))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d days:\n", windowDays)
	fmt.Fprintf(&b, "- Batches submitted: %d\n", batchCount)
	fmt.Fprintf(&b, "- Items analyzed: %d\n", len(items))
	fmt.Fprintf(&b, "- Items flagged: %d\n", flagged)
	fmt.Fprintf(&b, "- Average confidence: %.1f%%\n", avgConfidence*100)

	return &GeneratedReport{Title: "Batch Analysis Summary", Body: b.String()}, nil
}

func (g *ReportGenerator) flaggedItems(ctx context.Context, cutoff time.Time, windowDays int, filters *domain.ReportFilters) (*GeneratedReport, error) {
	items, err := g.items.CompletedSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed items: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Flagged items in the last %d days:\n", windowDays)
	count := 0
	for i := range items {
		res := items[i].Result
		if res == nil || res.FlagStatus != domain.FlagStatusFlagged {
			continue
		}
		if filters.MinConfidence > 0 && res.Confidence < filters.MinConfidence {
			continue
		}
		count++
		issues := "none"
		if len(res.Issues) > 0 {
			issues = strings.Join(res.Issues, ", ")
		}
		fmt.Fprintf(&b, "- %s (batch %s, confidence %.1f%%): %s\n",
			items[i].ID, items[i].BatchID, res.Confidence*100, issues)
	}
	if count == 0 {
		fmt.Fprintf(&b, "- none\n")
	}

	return &GeneratedReport{Title: "Flagged Items", Body: b.String()}, nil
}

func (g *ReportGenerator) workerPerformance(ctx context.Context) (*GeneratedReport, error) {
	workers, err := g.workers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	var b strings.Builder
	b.WriteString("Worker performance:\n")
	for i := range workers {
		w := &workers[i]
		fmt.Fprintf(&b, "- %s: %s, %d completed, %d failed, success %.0f%%, avg %dms\n",
			w.ID, w.Status, w.Completed, w.Failed, w.SuccessRate()*100, w.AvgProcessingMs())
	}
	if len(workers) == 0 {
		b.WriteString("- no workers registered\n")
	}

	return &GeneratedReport{Title: "Worker Performance", Body: b.String()}, nil
}
