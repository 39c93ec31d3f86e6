package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/pipeline"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// Runner executes one claimed run to a settled outcome. The decision
// pipeline is the production implementation.
type Runner interface {
	Run(ctx context.Context, run *models.Run) (pipeline.State, error)
}

// DispatchRequest names the stimulus behind a dispatch call.
type DispatchRequest struct {
	TriggerType      models.TriggerType
	TriggerMessageID *uuid.UUID
	ScheduledKey     *string

	// AutopilotMode overrides the case's configured mode for this run.
	AutopilotMode *models.AutopilotMode
}

// Engine owns run dispatch and the worker pool. Dispatch is the only
// entry point that creates runs; the single-flight index, the dispatch
// dedup here, and the workers' advisory locks together keep one run per
// case.
type Engine struct {
	store    *store.Store
	resolver *runtime.Resolver
	cfg      *config.Config
	pool     *Pool
	logger   *slog.Logger
}

// New builds an engine with its worker pool. Call Start to begin claiming.
func New(st *store.Store, res *runtime.Resolver, cfg *config.Config, runner Runner) *Engine {
	e := &Engine{
		store:    st,
		resolver: res,
		cfg:      cfg,
		logger:   slog.With("component", "engine"),
	}
	e.pool = newPool(st, res, cfg, runner)
	return e
}

// Start reaps runs orphaned by a previous incarnation of this pod, then
// spawns the workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cleanupStartupOrphans(ctx); err != nil {
		return fmt.Errorf("startup orphan cleanup: %w", err)
	}
	e.pool.Start(ctx)
	return nil
}

// Stop drains the pool within the configured graceful shutdown window.
func (e *Engine) Stop() {
	e.pool.Stop()
}

// Dispatch requests a run for the case. The outcome reports what actually
// happened: a run was created, an existing run absorbed the request, or
// the case cannot take one. Losing a race is not an error.
func (e *Engine) Dispatch(ctx context.Context, caseID int64, req DispatchRequest) (*models.DispatchResult, error) {
	kase, err := e.store.GetCase(ctx, e.store.DB(), caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &models.DispatchResult{Outcome: models.OutcomeCaseNotFound}, nil
		}
		return nil, err
	}
	if kase.Status.Terminal() {
		e.logger.Debug("dispatch refused, case terminal",
			"case_id", caseID, "status", kase.Status, "trigger", req.TriggerType)
		return &models.DispatchResult{Outcome: models.OutcomeAlreadySent}, nil
	}

	if active, err := e.store.GetActiveRunForCase(ctx, e.store.DB(), caseID); err == nil {
		return &models.DispatchResult{
			Outcome: models.OutcomeActiveRunExists,
			RunID:   &active.ID,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	mode := kase.AutopilotMode
	if req.AutopilotMode != nil {
		mode = *req.AutopilotMode
	}

	run, err := e.store.InsertRun(ctx, e.store.DB(), store.NewRun{
		CaseID:           caseID,
		TriggerType:      req.TriggerType,
		TriggerMessageID: req.TriggerMessageID,
		ScheduledKey:     req.ScheduledKey,
		AutopilotMode:    mode,
		LockExpiresAt:    time.Now().Add(e.cfg.Engine.LockTTL),
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrActiveRunExists):
			// Lost the insert race; resolve to the winner.
			return e.resolveExistingRun(ctx, caseID)
		case errors.Is(err, store.ErrScheduledKeyExists):
			return e.resolveScheduledRun(ctx, req.ScheduledKey)
		default:
			return nil, err
		}
	}

	e.logger.Info("run dispatched",
		"case_id", caseID, "run_id", run.ID, "trigger", req.TriggerType,
		"autopilot_mode", mode)
	return &models.DispatchResult{
		Outcome: models.OutcomeDispatched,
		RunID:   &run.ID,
	}, nil
}

func (e *Engine) resolveExistingRun(ctx context.Context, caseID int64) (*models.DispatchResult, error) {
	active, err := e.store.GetActiveRunForCase(ctx, e.store.DB(), caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The racing run finished between insert and lookup. The
			// caller retries on its next stimulus.
			return &models.DispatchResult{Outcome: models.OutcomeActiveRunExists}, nil
		}
		return nil, err
	}
	return &models.DispatchResult{
		Outcome: models.OutcomeActiveRunExists,
		RunID:   &active.ID,
	}, nil
}

func (e *Engine) resolveScheduledRun(ctx context.Context, key *string) (*models.DispatchResult, error) {
	if key == nil {
		return &models.DispatchResult{Outcome: models.OutcomeActiveRunExists}, nil
	}
	run, err := e.store.GetRunByScheduledKey(ctx, e.store.DB(), *key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &models.DispatchResult{Outcome: models.OutcomeActiveRunExists}, nil
		}
		return nil, err
	}
	return &models.DispatchResult{
		Outcome: models.OutcomeActiveRunExists,
		RunID:   &run.ID,
	}, nil
}

// CancelRun cancels an in-flight run owned by this pod. Returns false when
// the run is not executing here.
func (e *Engine) CancelRun(runID uuid.UUID) bool {
	return e.pool.CancelRun(runID)
}

// Health reports pool health for the system endpoint.
func (e *Engine) Health(ctx context.Context) (*PoolHealth, error) {
	return e.pool.Health(ctx)
}

// cleanupStartupOrphans fails over runs left behind by this pod's previous
// incarnation. A restarted pod cannot resume a half-finished pipeline; the
// ledger failure lets a human or the next stimulus pick the case back up.
func (e *Engine) cleanupStartupOrphans(ctx context.Context) error {
	podID := e.cfg.System.PodID
	orphans, err := e.store.RunsOwnedByPod(ctx, e.store.DB(), podID)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	e.logger.Warn("reaping runs orphaned by pod restart",
		"pod_id", podID, "count", len(orphans))

	for i := range orphans {
		run := orphans[i]
		_, err := e.resolver.Transition(ctx, run.CaseID, models.EventRunFailed, caseevent.Context{
			RunID: &run.ID,
			Error: models.Ptr("orphaned by pod restart"),
		})
		if err != nil {
			e.logger.Error("failed to reap orphaned run",
				"run_id", run.ID, "case_id", run.CaseID, "error", err)
		}
	}
	return nil
}
