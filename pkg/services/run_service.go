package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// RunController exposes the engine's in-flight run controls. Satisfied by
// *engine.Engine.
type RunController interface {
	CancelRun(runID uuid.UUID) bool
	Health(ctx context.Context) (*engine.PoolHealth, error)
}

// RunService serves run inspection and cancellation.
type RunService struct {
	store      *store.Store
	resolver   *runtime.Resolver
	controller RunController
	logger     *slog.Logger
}

// NewRunService builds a RunService.
func NewRunService(st *store.Store, resolver *runtime.Resolver, controller RunController) *RunService {
	return &RunService{
		store:      st,
		resolver:   resolver,
		controller: controller,
		logger:     slog.With("component", "run_service"),
	}
}

// Get returns one run.
func (s *RunService) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	return s.store.GetRun(ctx, s.store.DB(), id)
}

// ListExecutions returns executions matching the filter.
func (s *RunService) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]models.Execution, error) {
	return s.store.ListExecutions(ctx, s.store.DB(), f)
}

// Cancel stops an active run. A run claimed on this pod has its pipeline
// context cancelled and the worker records the failure; a run still queued
// is failed directly. Runs claimed by another pod cannot be cancelled here.
func (s *RunService) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := s.store.GetRun(ctx, s.store.DB(), runID)
	if err != nil {
		return err
	}
	if !run.Status.Active() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunNotCancelable)
	}

	if s.controller.CancelRun(runID) {
		s.logger.Info("cancelled in-flight run", "run_id", runID, "case_id", run.CaseID)
		return nil
	}

	if run.Status != models.RunStatusQueued {
		// Claimed by another pod; its heartbeat owns the run.
		holder := "unknown"
		if run.PodID != nil {
			holder = *run.PodID
		}
		return fmt.Errorf("run %s is held by pod %s: %w", runID, holder, ErrRunNotCancelable)
	}

	reason := "cancelled by operator"
	if _, err := s.resolver.Transition(ctx, run.CaseID, models.EventRunFailed, caseevent.Context{
		RunID: &runID,
		Error: &reason,
	}); err != nil {
		return fmt.Errorf("fail queued run: %w", err)
	}
	s.logger.Info("cancelled queued run", "run_id", runID, "case_id", run.CaseID)
	return nil
}

// Health reports queue depth and per-worker status for this pod.
func (s *RunService) Health(ctx context.Context) (*engine.PoolHealth, error) {
	return s.controller.Health(ctx)
}
