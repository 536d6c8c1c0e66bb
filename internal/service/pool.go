package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/logger"
	"github.com/opsboard/analyzer/internal/repository"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	Workers       int
	MaxAttempts   int
	ClaimInterval time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

// Pool runs a bounded set of concurrent analysis workers. Each worker
// loops claim → analyze → complete/fail; the claim is the only
// serialization point. A background sweep reclaims items stuck in
// processing so a crashed worker cannot stall a batch.
type Pool struct {
	items       *repository.WorkItemRepository
	workerRepo  *repository.WorkerRepository
	coordinator *Coordinator
	analyzer    Analyzer
	logger      *logger.Logger
	cfg         PoolConfig

	mu     sync.Mutex
	states map[string]*workerState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// workerState is the in-memory control block for one worker. paused stops
// new claims without touching the current item; cancelItem aborts the
// current item, releasing its claim back to pending.
type workerState struct {
	id         string
	paused     bool
	cancelItem context.CancelFunc
	currentID  string
}

// NewPool creates a new worker pool.
func NewPool(
	items *repository.WorkItemRepository,
	workerRepo *repository.WorkerRepository,
	coordinator *Coordinator,
	analyzer Analyzer,
	log *logger.Logger,
	cfg PoolConfig,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Pool{
		items:       items,
		workerRepo:  workerRepo,
		coordinator: coordinator,
		analyzer:    analyzer,
		logger:      log,
		cfg:         cfg,
		states:      make(map[string]*workerState),
	}
}

func (p *Pool) log(ctx context.Context) *logger.Logger {
	return logger.FromContextOr(ctx, p.logger)
}

// Start registers the workers and launches their claim loops plus the
// stuck-item sweep. It returns immediately; Stop shuts everything down.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		now := time.Now()
		if err := p.workerRepo.Upsert(ctx, &domain.Worker{
			ID:        id,
			Type:      domain.WorkerTypeVideoAnalysis,
			Status:    domain.WorkerStatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			cancel()
			return fmt.Errorf("failed to register worker %s: %w", id, err)
		}

		state := &workerState{id: id}
		p.mu.Lock()
		p.states[id] = state
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(runCtx, state)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweep(runCtx)
	}()

	p.logger.WithField(logger.FieldCount, p.cfg.Workers).Info("Worker pool started")
	return nil
}

// Stop cancels all workers and waits for them to release their claims.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// run is one worker's claim loop.
func (p *Pool) run(ctx context.Context, state *workerState) {
	wctx := logger.SetWorkerID(ctx, state.id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.isPaused(state.id) {
			p.sleep(ctx, p.cfg.ClaimInterval)
			continue
		}

		item, err := p.items.ClaimNext(ctx, state.id, time.Now())
		if err != nil {
			p.log(wctx).WithError(err).Error("Claim failed")
			p.sleep(ctx, p.cfg.ClaimInterval)
			continue
		}
		if item == nil {
			p.sleep(ctx, p.cfg.ClaimInterval)
			continue
		}

		p.process(ctx, state, item)
	}
}

// process runs the analysis call for one claimed item and records the
// outcome. Cancellation (shutdown or administrative restart) releases the
// claim without counting an attempt.
func (p *Pool) process(ctx context.Context, state *workerState, item *domain.WorkItem) {
	ictx := logger.WithFields(ctx, logger.Fields{
		logger.FieldWorkerID: state.id,
		logger.FieldItemID:   item.ID,
		logger.FieldBatchID:  item.BatchID,
	})

	itemCtx, cancelItem := context.WithCancel(ctx)
	defer cancelItem()

	p.mu.Lock()
	state.cancelItem = cancelItem
	state.currentID = item.ID
	p.mu.Unlock()

	itemID := item.ID
	_ = p.workerRepo.SetStatus(ctx, state.id, domain.WorkerStatusBusy, &itemID)

	started := time.Now()
	result, err := p.analyzer.Analyze(itemCtx, item.Kind, item.Payload)
	busy := time.Since(started)

	p.mu.Lock()
	state.cancelItem = nil
	state.currentID = ""
	p.mu.Unlock()

	// Records written after cancellation use a fresh context: the claim
	// must be released even though the worker context is gone.
	dbCtx := ctx
	if ctx.Err() != nil || itemCtx.Err() != nil {
		var cancelDB context.CancelFunc
		dbCtx, cancelDB = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelDB()
	}

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || itemCtx.Err() != nil):
		if relErr := p.items.Release(dbCtx, item.ID, state.id); relErr != nil {
			p.log(ictx).WithError(relErr).Error("Failed to release claim")
		} else {
			p.log(ictx).Info("Claim released")
		}
	case err != nil:
		notBefore := time.Now().Add(retryBackoff(item.Attempts + 1))
		terminal, failErr := p.items.Fail(dbCtx, item.ID, state.id, err.Error(), p.cfg.MaxAttempts, notBefore)
		if failErr != nil {
			p.log(ictx).WithError(failErr).Error("Failed to record failure")
			break
		}
		_ = p.workerRepo.RecordFinish(dbCtx, state.id, false, busy)
		p.log(ictx).WithFields(logger.Fields{
			"attempts": item.Attempts + 1,
			"terminal": terminal,
		}).WithError(err).Warn("Item failed")
		if terminal {
			p.coordinator.NoteItemTerminal(dbCtx, item.BatchID)
		}
	default:
		if compErr := p.items.Complete(dbCtx, item.ID, state.id, result, time.Now()); compErr != nil {
			p.log(ictx).WithError(compErr).Error("Failed to record completion")
			break
		}
		_ = p.workerRepo.RecordFinish(dbCtx, state.id, true, busy)
		p.log(ictx).WithFields(logger.Fields{
			logger.FieldDurationMs: busy.Milliseconds(),
			"confidence":           result.Confidence,
			"flag_status":          result.FlagStatus,
		}).Info("Item completed")
		p.coordinator.NoteItemTerminal(dbCtx, item.BatchID)
	}

	status := domain.WorkerStatusIdle
	if p.isPaused(state.id) {
		status = domain.WorkerStatusPaused
	}
	_ = p.workerRepo.SetStatus(dbCtx, state.id, status, nil)
}

// sweep periodically reclaims items stuck in processing past the ceiling.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.StuckAfter)
			reclaimed, err := p.items.ReclaimStuck(ctx, cutoff)
			if err != nil {
				p.log(ctx).WithError(err).Error("Stuck item sweep failed")
				continue
			}
			if reclaimed > 0 {
				p.log(ctx).WithField(logger.FieldCount, reclaimed).Warn("Reclaimed stuck items")
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) isPaused(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[id]; ok {
		return s.paused
	}
	return false
}

// retryBackoff returns the delay before a failed item may be claimed
// again: exponential in the attempt count, capped at one minute.
func retryBackoff(attempts int) time.Duration {
	if attempts > 6 {
		attempts = 6
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// StartWorker resumes claiming for a paused worker.
func (p *Pool) StartWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	state, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return domain.ErrWorkerNotFound
	}
	state.paused = false
	busy := state.currentID != ""
	p.mu.Unlock()

	status := domain.WorkerStatusIdle
	if busy {
		status = domain.WorkerStatusBusy
	}
	return p.workerRepo.SetStatus(ctx, id, status, nil)
}

// PauseWorker stops a worker from claiming new items. The item it is
// currently processing is not interrupted.
func (p *Pool) PauseWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	state, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return domain.ErrWorkerNotFound
	}
	state.paused = true
	busy := state.currentID != ""
	p.mu.Unlock()

	if busy {
		// Status flips to paused once the in-flight item finishes.
		return nil
	}
	return p.workerRepo.SetStatus(ctx, id, domain.WorkerStatusPaused, nil)
}

// RestartWorker aborts the worker's current item, releasing the claim back
// to pending without counting an attempt, and resumes claiming.
func (p *Pool) RestartWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	state, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return domain.ErrWorkerNotFound
	}
	state.paused = false
	cancel := state.cancelItem
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return p.workerRepo.SetStatus(ctx, id, domain.WorkerStatusIdle, nil)
}

// WorkerView is the monitoring payload for one worker.
type WorkerView struct {
	ID              string              `json:"id"`
	Type            domain.WorkerType   `json:"type"`
	Status          domain.WorkerStatus `json:"status"`
	CurrentItemID   *string             `json:"current_item_id,omitempty"`
	SuccessRate     float64             `json:"success_rate"`
	AvgProcessingMs int64               `json:"avg_processing_ms"`
}

// Workers returns the monitoring view of all registered workers.
func (p *Pool) Workers(ctx context.Context) ([]WorkerView, error) {
	records, err := p.workerRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]WorkerView, 0, len(records))
	for i := range records {
		w := &records[i]
		views = append(views, WorkerView{
			ID:              w.ID,
			Type:            w.Type,
			Status:          w.Status,
			CurrentItemID:   w.CurrentItemID,
			SuccessRate:     w.SuccessRate(),
			AvgProcessingMs: w.AvgProcessingMs(),
		})
	}
	return views, nil
}
