package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/repository"
)

// fakeAnalyzer satisfies Analyzer without a collaborator service.
type fakeAnalyzer struct {
	calls int32
	fail  bool
	delay time.Duration
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, kind domain.WorkItemKind, payload string) (*domain.AnalysisResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail {
		return nil, errors.New("analysis rejected")
	}
	return &domain.AnalysisResult{Confidence: 0.95, FlagStatus: domain.FlagStatusClean}, nil
}

// blockingAnalyzer signals when an analysis starts and holds it until the
// test releases it, so tests can pin a worker mid-item.
type blockingAnalyzer struct {
	started chan string
	release chan struct{}
}

func newBlockingAnalyzer() *blockingAnalyzer {
	return &blockingAnalyzer{
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, kind domain.WorkItemKind, payload string) (*domain.AnalysisResult, error) {
	b.started <- payload
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return &domain.AnalysisResult{Confidence: 0.9, FlagStatus: domain.FlagStatusClean}, nil
	}
}

func (b *blockingAnalyzer) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case payload := <-b.started:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("no analysis started in time")
		return ""
	}
}

func newTestPool(t *testing.T, analyzer Analyzer, cfg PoolConfig) (*Pool, *Coordinator, *repository.WorkItemRepository) {
	t.Helper()
	db := testDB(t)
	items := repository.NewWorkItemRepository(db)
	workers := repository.NewWorkerRepository(db)
	coord := NewCoordinator(repository.NewBatchRepository(db), items, testLogger())
	return NewPool(items, workers, coord, analyzer, testLogger(), cfg), coord, items
}

// waitForStatus polls until the batch reaches the wanted status or the
// deadline expires.
func waitForStatus(t *testing.T, coord *Coordinator, batchID string, want domain.BatchStatus) *domain.BatchStatusView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := coord.GetStatus(context.Background(), batchID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if view.Status == want {
			return view
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("batch %s never reached status %s", batchID, want)
	return nil
}

func TestPoolProcessesBatchToCompletion(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	pool, coord, _ := newTestPool(t, analyzer, PoolConfig{
		Workers:       3,
		MaxAttempts:   3,
		ClaimInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	items := make([]NewItem, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, NewItem{Kind: domain.WorkItemKindCSVRow, Payload: fmt.Sprintf("row-%d", i)})
	}
	batch, err := coord.CreateBatch(ctx, "upload.csv", items)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	view := waitForStatus(t, coord, batch.ID, domain.BatchStatusCompleted)
	if view.Processed != 10 {
		t.Errorf("processed = %d, want 10", view.Processed)
	}
	if view.Failed != 0 {
		t.Errorf("failed = %d, want 0", view.Failed)
	}
	if n := atomic.LoadInt32(&analyzer.calls); n != 10 {
		t.Errorf("analyzer calls = %d, want 10 (one per item)", n)
	}
}

func TestPoolRecordsTerminalFailures(t *testing.T) {
	analyzer := &fakeAnalyzer{fail: true}
	pool, coord, _ := newTestPool(t, analyzer, PoolConfig{
		Workers:       2,
		MaxAttempts:   1, // first failure is terminal
		ClaimInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	batch, err := coord.CreateBatch(ctx, "upload.csv", []NewItem{
		{Kind: domain.WorkItemKindCSVRow},
		{Kind: domain.WorkItemKindCSVRow},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	view := waitForStatus(t, coord, batch.ID, domain.BatchStatusCompleted)
	if view.Failed != 2 {
		t.Errorf("failed = %d, want 2", view.Failed)
	}
	if view.Flagged != 0 {
		t.Errorf("flagged = %d, want 0", view.Flagged)
	}
}

func TestBatchProgressNeverRegresses(t *testing.T) {
	analyzer := &fakeAnalyzer{delay: 5 * time.Millisecond}
	pool, coord, _ := newTestPool(t, analyzer, PoolConfig{
		Workers:       3,
		MaxAttempts:   3,
		ClaimInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	items := make([]NewItem, 0, 15)
	for i := 0; i < 15; i++ {
		items = append(items, NewItem{Kind: domain.WorkItemKindCSVRow, Payload: fmt.Sprintf("row-%d", i)})
	}
	batch, err := coord.CreateBatch(ctx, "upload.csv", items)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	// Observe progress throughout the run: processed only ever grows and
	// the total never shifts under the poller.
	var prev int
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := coord.GetStatus(ctx, batch.ID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if view.Processed < prev {
			t.Fatalf("processed went backwards: %d -> %d", prev, view.Processed)
		}
		if view.Total != 15 {
			t.Fatalf("total = %d, want a constant 15", view.Total)
		}
		prev = view.Processed
		if view.Status == domain.BatchStatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if prev != 15 {
		t.Errorf("processed = %d at completion, want 15", prev)
	}
}

func TestPauseWorkerFinishesInFlightItem(t *testing.T) {
	analyzer := newBlockingAnalyzer()
	pool, coord, _ := newTestPool(t, analyzer, PoolConfig{
		Workers:       1,
		MaxAttempts:   3,
		ClaimInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	batch, err := coord.CreateBatch(ctx, "upload.csv", []NewItem{
		{Kind: domain.WorkItemKindCSVRow, Payload: "first"},
		{Kind: domain.WorkItemKindCSVRow, Payload: "second"},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	analyzer.waitStarted(t)
	if err := pool.PauseWorker(ctx, "worker-1"); err != nil {
		t.Fatalf("PauseWorker failed: %v", err)
	}

	// The in-flight item still runs to completion after the pause.
	analyzer.release <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		view, err := coord.GetStatus(ctx, batch.ID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if view.Processed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first item never completed, processed = %d", view.Processed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A paused worker claims nothing new.
	time.Sleep(100 * time.Millisecond)
	select {
	case payload := <-analyzer.started:
		t.Fatalf("paused worker claimed %q", payload)
	default:
	}

	// Resuming picks the second item up and drains the batch.
	if err := pool.StartWorker(ctx, "worker-1"); err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	analyzer.waitStarted(t)
	analyzer.release <- struct{}{}
	view := waitForStatus(t, coord, batch.ID, domain.BatchStatusCompleted)
	if view.Processed != 2 {
		t.Errorf("processed = %d, want 2", view.Processed)
	}
}

func TestRestartWorkerReleasesClaimWithoutAttempt(t *testing.T) {
	analyzer := newBlockingAnalyzer()
	pool, coord, items := newTestPool(t, analyzer, PoolConfig{
		Workers:       1,
		MaxAttempts:   3,
		ClaimInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	batch, err := coord.CreateBatch(ctx, "upload.csv", []NewItem{
		{Kind: domain.WorkItemKindCSVRow, Payload: "only"},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	analyzer.waitStarted(t)
	if err := pool.RestartWorker(ctx, "worker-1"); err != nil {
		t.Fatalf("RestartWorker failed: %v", err)
	}

	// The aborted item went back to pending and the worker picked it up
	// fresh, with no attempt recorded for the interruption.
	analyzer.waitStarted(t)
	list, err := items.ListByBatch(ctx, batch.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListByBatch failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("items = %d, want 1", len(list))
	}
	if list[0].Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after restart", list[0].Attempts)
	}

	analyzer.release <- struct{}{}
	view := waitForStatus(t, coord, batch.ID, domain.BatchStatusCompleted)
	if view.Failed != 0 {
		t.Errorf("failed = %d, want 0", view.Failed)
	}
}

func TestWorkerControlUnknownID(t *testing.T) {
	pool, _, _ := newTestPool(t, &fakeAnalyzer{}, PoolConfig{})
	ctx := context.Background()

	if err := pool.StartWorker(ctx, "worker-99"); !errors.Is(err, domain.ErrWorkerNotFound) {
		t.Errorf("StartWorker: expected ErrWorkerNotFound, got %v", err)
	}
	if err := pool.PauseWorker(ctx, "worker-99"); !errors.Is(err, domain.ErrWorkerNotFound) {
		t.Errorf("PauseWorker: expected ErrWorkerNotFound, got %v", err)
	}
	if err := pool.RestartWorker(ctx, "worker-99"); !errors.Is(err, domain.ErrWorkerNotFound) {
		t.Errorf("RestartWorker: expected ErrWorkerNotFound, got %v", err)
	}
}

func TestRetryBackoff(t *testing.T) {
	testCases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{20, time.Minute}, // capped
	}
	for _, tc := range testCases {
		if got := retryBackoff(tc.attempts); got != tc.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
