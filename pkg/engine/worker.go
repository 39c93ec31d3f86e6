package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

const (
	workerStatusIdle    = "idle"
	workerStatusWorking = "working"
)

// worker is one claim-and-execute loop. It owns the case advisory lock and
// the heartbeat for the run it is processing.
type worker struct {
	id     string
	pool   *Pool
	logger *slog.Logger

	mu            sync.RWMutex
	status        string
	currentRunID  *uuid.UUID
	runsProcessed int
	lastActivity  time.Time
}

func newWorker(id string, pool *Pool) *worker {
	return &worker{
		id:           id,
		pool:         pool,
		logger:       slog.With("component", "engine", "worker_id", id),
		status:       workerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *worker) run(ctx context.Context) {
	w.logger.Info("worker started")

	for {
		select {
		case <-w.pool.stopCh:
			w.logger.Info("worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.claimAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					w.sleep(w.pollInterval())
					continue
				}
				w.logger.Error("run processing failed", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// pollInterval jitters the configured base so replicas do not claim in
// lockstep.
func (w *worker) pollInterval() time.Duration {
	base := w.pool.cfg.Engine.PollInterval
	jitter := w.pool.cfg.Engine.PollJitter
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(2*jitter))) - jitter
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.pool.stopCh:
	case <-time.After(d):
	}
}

// claimAndProcess claims the oldest queued run and drives it to a settled
// outcome. Every path out of here leaves the run terminal or waiting.
func (w *worker) claimAndProcess(ctx context.Context) error {
	st := w.pool.store
	cfg := w.pool.cfg.Engine

	run, err := st.ClaimNextRun(ctx, w.pool.cfg.System.PodID, cfg.LockTTL)
	if err != nil {
		return err
	}

	log := w.logger.With("run_id", run.ID, "case_id", run.CaseID, "trigger", run.TriggerType)
	log.Info("run claimed")

	w.setWorking(run.ID)
	defer w.setIdle()

	// The session advisory lock is the overlap guard: even if the active-run
	// index let two runs through, only one pipeline touches the case.
	lock, acquired, err := st.AcquireCaseLock(ctx, run.CaseID)
	if err != nil {
		return err
	}
	if !acquired {
		log.Warn("case advisory lock held elsewhere, skipping run")
		return st.UpdateRun(ctx, st.DB(), run.ID, models.RunPatch{
			Status:  models.Ptr(models.RunStatusSkippedLocked),
			EndedAt: models.Ptr(time.Now()),
		})
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Error("failed to release case lock", "error", err)
		}
	}()

	// RUN_CLAIMED goes through the ledger so the reducer can cancel any
	// sibling active runs that slipped past dispatch.
	if _, err := w.pool.resolver.Transition(ctx, run.CaseID, models.EventRunClaimed, caseevent.Context{
		RunID: &run.ID,
	}); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	w.pool.registerRun(run.ID, cancelRun)
	defer w.pool.unregisterRun(run.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, run.ID, cancelRun)

	_, runErr := w.pool.runner.Run(runCtx, run)
	stopHeartbeat()

	if runErr != nil {
		// The run context may already be cancelled; the failure
		// transition must still land.
		reason := runErr.Error()
		if errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
			reason = "run cancelled"
		}
		log.Error("run failed", "error", runErr)
		_, terr := w.pool.resolver.Transition(context.Background(), run.CaseID,
			models.EventRunFailed, caseevent.Context{
				RunID: &run.ID,
				Error: models.Ptr(reason),
			})
		if terr != nil {
			log.Error("failed to record run failure", "error", terr)
		}
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()
	return nil
}

// runHeartbeat refreshes the run's lease until stopped. A refused refresh
// means the reaper already took the run; the pipeline gets cancelled so it
// stops writing.
func (w *worker) runHeartbeat(ctx context.Context, runID uuid.UUID, cancelRun context.CancelFunc) {
	interval := w.pool.cfg.Engine.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := w.pool.store.Heartbeat(ctx, w.pool.store.DB(),
				runID, w.pool.cfg.Engine.LockTTL)
			if err != nil {
				w.logger.Error("heartbeat failed", "run_id", runID, "error", err)
				continue
			}
			if !alive {
				w.logger.Warn("run no longer running, cancelling pipeline", "run_id", runID)
				cancelRun()
				return
			}
		}
	}
}

func (w *worker) setWorking(runID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = workerStatusWorking
	w.currentRunID = &runID
	w.lastActivity = time.Now()
}

func (w *worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = workerStatusIdle
	w.currentRunID = nil
	w.lastActivity = time.Now()
}

func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}
