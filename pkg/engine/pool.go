package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// Pool manages the run workers and the cancel registry for runs executing
// on this pod.
type Pool struct {
	store    *store.Store
	resolver *runtime.Resolver
	cfg      *config.Config
	runner   Runner
	workers  []*worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	activeRuns map[uuid.UUID]context.CancelFunc
	started    bool
}

func newPool(st *store.Store, res *runtime.Resolver, cfg *config.Config, runner Runner) *Pool {
	return &Pool{
		store:      st,
		resolver:   res,
		cfg:        cfg,
		runner:     runner,
		workers:    make([]*worker, 0, cfg.Engine.WorkerCount),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Duplicate calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start")
		return
	}
	p.started = true

	podID := p.cfg.System.PodID
	slog.Info("starting worker pool",
		"pod_id", podID, "worker_count", p.cfg.Engine.WorkerCount)

	for i := 0; i < p.cfg.Engine.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", podID, i), p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop signals the workers and waits for in-flight runs to drain, up to
// the graceful shutdown timeout. Runs still alive after the window keep
// their contexts cancelled and settle as failed.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.cfg.Engine.GracefulShutdownTimeout):
		slog.Warn("worker pool drain timed out, cancelling in-flight runs")
		p.cancelAll()
		<-done
	}
}

func (p *Pool) registerRun(runID uuid.UUID, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

func (p *Pool) unregisterRun(runID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun cancels a run executing on this pod. Returns false when the
// run is not here, so the API can tell the caller to try the owning pod.
func (p *Pool) CancelRun(runID uuid.UUID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

func (p *Pool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeRuns {
		cancel()
	}
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	CurrentRunID  *uuid.UUID `json:"currentRunId,omitempty"`
	RunsProcessed int        `json:"runsProcessed"`
	LastActivity  time.Time  `json:"lastActivity"`
}

// PoolHealth is the system endpoint's view of the pool.
type PoolHealth struct {
	PodID      string         `json:"podId"`
	QueueDepth int            `json:"queueDepth"`
	ActiveRuns int            `json:"activeRuns"`
	Workers    []WorkerHealth `json:"workers"`
}

// Health collects queue depth and per-worker state.
func (p *Pool) Health(ctx context.Context) (*PoolHealth, error) {
	depth, err := p.store.QueueDepth(ctx, p.store.DB())
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	active := len(p.activeRuns)
	p.mu.RUnlock()

	h := &PoolHealth{
		PodID:      p.cfg.System.PodID,
		QueueDepth: depth,
		ActiveRuns: active,
		Workers:    make([]WorkerHealth, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		h.Workers = append(h.Workers, w.health())
	}
	return h, nil
}
