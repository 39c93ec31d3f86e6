package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// ErrNoMatchingCase indicates an inbound message could not be attributed
// to any case by thread headers or sender address.
var ErrNoMatchingCase = errors.New("no matching case for inbound message")

// ErrCaseBusy indicates another session holds the case while a decision or
// portal resolution was being applied.
var ErrCaseBusy = errors.New("case is busy")

// Engine is the run-dispatch surface this package drives.
type Engine interface {
	Dispatch(ctx context.Context, caseID int64, req engine.DispatchRequest) (*models.DispatchResult, error)
}

// Service converts external stimuli into runs: provider webhooks, human
// decisions on gated proposals, and portal task resolutions.
type Service struct {
	store    *store.Store
	resolver *runtime.Resolver
	engine   Engine
	cfg      *config.Config
	logger   *slog.Logger
}

// New builds the dispatch service.
func New(st *store.Store, res *runtime.Resolver, eng Engine, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		resolver: res,
		engine:   eng,
		cfg:      cfg,
		logger:   slog.With("component", "dispatch"),
	}
}

// InboundEmail is the provider webhook payload after transport decoding.
type InboundEmail struct {
	ProviderMessageID string
	RFCMessageID      string
	InReplyTo         string
	References        string
	From              string
	To                string
	Subject           string
	Body              string
	ReceivedAt        *time.Time
}

// InboundResult reports what an inbound delivery did. Duplicate deliveries
// resolve to the original message row and dispatch nothing.
type InboundResult struct {
	CaseID    int64                  `json:"caseId"`
	MessageID uuid.UUID              `json:"messageId"`
	Duplicate bool                   `json:"duplicate"`
	Dispatch  *models.DispatchResult `json:"dispatch,omitempty"`
}

// HandleInbound stores the message idempotently and dispatches an
// inbound_message run for the owning case. Webhook redelivery is absorbed
// by the provider-id dedup; the second delivery changes nothing.
func (s *Service) HandleInbound(ctx context.Context, in InboundEmail) (*InboundResult, error) {
	db := s.store.DB()

	caseID, err := s.store.FindCaseByThread(ctx, db,
		[]string{in.InReplyTo}, splitReferences(in.References), in.From)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("inbound message matches no case",
				"provider_message_id", in.ProviderMessageID, "from", in.From)
			return nil, ErrNoMatchingCase
		}
		return nil, err
	}

	msg, created, err := s.store.InsertMessage(ctx, db, store.NewMessage{
		CaseID:            caseID,
		Direction:         models.DirectionInbound,
		ProviderMessageID: nilIfEmpty(in.ProviderMessageID),
		RFCMessageID:      nilIfEmpty(in.RFCMessageID),
		InReplyTo:         nilIfEmpty(in.InReplyTo),
		ReferencesHeader:  nilIfEmpty(in.References),
		FromAddr:          in.From,
		ToAddr:            in.To,
		Subject:           in.Subject,
		Body:              in.Body,
		ReceivedAt:        in.ReceivedAt,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Info("duplicate inbound delivery absorbed",
			"case_id", caseID, "message_id", msg.ID,
			"provider_message_id", in.ProviderMessageID)
		return &InboundResult{CaseID: caseID, MessageID: msg.ID, Duplicate: true}, nil
	}

	res, err := s.engine.Dispatch(ctx, caseID, engine.DispatchRequest{
		TriggerType:      models.TriggerInboundMessage,
		TriggerMessageID: &msg.ID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("inbound message dispatched",
		"case_id", caseID, "message_id", msg.ID, "outcome", res.Outcome)
	return &InboundResult{CaseID: caseID, MessageID: msg.ID, Dispatch: res}, nil
}

// ResolveDecision records a reviewer's verdict on a gated proposal and
// queues the resume run. The paused run, the decision, and the resume run
// land in one transaction so the single-flight slot hands over atomically.
//
// A second decision on the same proposal returns store.ErrAlreadyDecided.
func (s *Service) ResolveDecision(ctx context.Context, proposalID uuid.UUID, decision models.HumanDecision) (*models.Run, error) {
	var resume *models.Run

	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		prop, err := s.store.GetProposal(ctx, tx, proposalID)
		if err != nil {
			return err
		}

		locked, err := store.AdvisoryLockCase(ctx, tx, prop.CaseID)
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("case %d: %w", prop.CaseID, ErrCaseBusy)
		}

		prop, err = s.store.ApplyDecision(ctx, tx, proposalID, decision)
		if err != nil {
			return err
		}

		// The paused run still holds the single-flight slot; settle it
		// before the resume run takes over.
		paused, err := s.store.GetRun(ctx, tx, prop.RunID)
		if err != nil {
			return err
		}
		if paused.Status.Active() {
			err = s.store.UpdateRun(ctx, tx, paused.ID, models.RunPatch{
				Status:  models.Ptr(models.RunStatusCompleted),
				EndedAt: models.Ptr(time.Now()),
			})
			if err != nil {
				return err
			}
		}

		resume, err = s.store.InsertRun(ctx, tx, store.NewRun{
			CaseID:           prop.CaseID,
			TriggerType:      models.TriggerResume,
			TriggerMessageID: prop.TriggerMessageID,
			AutopilotMode:    paused.AutopilotMode,
			LockExpiresAt:    time.Now().Add(s.cfg.Engine.LockTTL),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("decision resolved, resume run queued",
		"proposal_id", proposalID, "action", decision.Action,
		"resume_run_id", resume.ID, "decided_by", decision.DecidedBy)
	return resume, nil
}

// CompletePortalTask records a human's portal submission: the task
// completes, the execution settles as sent, and the waiting run finishes.
func (s *Service) CompletePortalTask(ctx context.Context, taskID uuid.UUID, confirmationNumber *string) error {
	db := s.store.DB()

	task, err := s.store.GetPortalTask(ctx, db, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.PortalTaskPending && task.Status != models.PortalTaskClaimed {
		return fmt.Errorf("portal task %s is %s: %w", taskID, task.Status, store.ErrAlreadyApplied)
	}

	evctx := caseevent.Context{
		PortalTaskID:       &task.ID,
		ProposalID:         task.ProposalID,
		ExecutionID:        task.ExecutionID,
		ConfirmationNumber: confirmationNumber,
	}
	if next, err := s.nextFollowupDate(ctx, task.CaseID); err == nil {
		evctx.NextFollowupDate = next
	}

	if _, err := s.resolver.Transition(ctx, task.CaseID, models.EventPortalCompleted, evctx); err != nil {
		return err
	}

	if task.ExecutionID != nil {
		exec, err := s.store.GetExecution(ctx, db, *task.ExecutionID)
		if err == nil {
			err = s.store.UpdateExecution(ctx, db, exec.ID, store.ExecutionUpdate{
				Status:      models.Ptr(models.ExecutionStatusSent),
				CompletedAt: models.Ptr(time.Now()),
			})
			if err != nil {
				s.logger.Error("failed to settle portal execution",
					"execution_id", exec.ID, "error", err)
			}
			if exec.RunID != nil {
				s.completeWaitingRun(ctx, *exec.RunID)
			}
		}
	}

	s.logger.Info("portal task completed",
		"portal_task_id", taskID, "case_id", task.CaseID)
	return nil
}

func (s *Service) completeWaitingRun(ctx context.Context, runID uuid.UUID) {
	run, err := s.store.GetRun(ctx, s.store.DB(), runID)
	if err != nil || run.Status != models.RunStatusWaiting {
		return
	}
	err = s.store.UpdateRun(ctx, s.store.DB(), runID, models.RunPatch{
		Status:  models.Ptr(models.RunStatusCompleted),
		EndedAt: models.Ptr(time.Now()),
	})
	if err != nil {
		s.logger.Error("failed to complete waiting run", "run_id", runID, "error", err)
	}
}

func (s *Service) nextFollowupDate(ctx context.Context, caseID int64) (*time.Time, error) {
	count := 0
	f, err := s.store.GetFollowup(ctx, s.store.DB(), caseID)
	switch {
	case err == nil:
		count = f.FollowupCount
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	next := time.Now().AddDate(0, 0, s.cfg.Followups.NextGapDays(count))
	return &next, nil
}

// splitReferences breaks an RFC 5322 References header into message ids.
func splitReferences(header string) []string {
	if header == "" {
		return nil
	}
	return strings.Fields(header)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
