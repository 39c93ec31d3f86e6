package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// DLQService inspects and resolves dead-lettered jobs.
type DLQService struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewDLQService builds a DLQService.
func NewDLQService(st *store.Store, dispatcher Dispatcher) *DLQService {
	return &DLQService{
		store:      st,
		dispatcher: dispatcher,
		logger:     slog.With("component", "dlq_service"),
		now:        time.Now,
	}
}

// List returns unresolved dead letters, newest first.
func (s *DLQService) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, s.store.DB(), limit)
}

// ResolveInput closes out a dead letter.
type ResolveInput struct {
	Resolution string

	// Retry queues a manual run on the dead letter's case, so the pipeline
	// can take another pass at whatever failed.
	Retry bool
}

// Resolve marks a dead letter handled and optionally re-dispatches its case.
func (s *DLQService) Resolve(ctx context.Context, id uuid.UUID, in ResolveInput) (*models.DispatchResult, error) {
	if in.Resolution == "" {
		return nil, NewValidationError("resolution", "required")
	}

	dl, err := s.store.GetDeadLetter(ctx, s.store.DB(), id)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResolveDeadLetter(ctx, s.store.DB(), id, in.Resolution, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("resolve dead letter: %w", err)
	}
	s.logger.Info("dead letter resolved",
		"dlq_id", id, "queue", dl.QueueName, "resolution", in.Resolution)

	if !in.Retry {
		return nil, nil
	}
	if dl.CaseID == nil {
		return nil, NewValidationError("retry", "dead letter carries no case to retry")
	}
	return s.dispatcher.Dispatch(ctx, *dl.CaseID, engine.DispatchRequest{
		TriggerType: models.TriggerManual,
	})
}
