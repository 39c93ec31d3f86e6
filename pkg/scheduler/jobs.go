package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

const sweepBatchLimit = 100

// dispatchFollowups fires a followup run for every schedule whose date has
// passed. The scheduled key travels with the run so a re-fired timer
// collapses onto the run the first fire created.
func (s *Scheduler) dispatchFollowups(ctx context.Context) error {
	db := s.store.DB()
	now := time.Now()

	due, err := s.store.DueFollowups(ctx, db, now, sweepBatchLimit)
	if err != nil {
		return err
	}

	for _, f := range due {
		key := models.BuildScheduledKey(f.CaseID, f.FollowupCount, now)

		won, err := s.store.MarkFollowupProcessing(ctx, db, f.CaseID, key)
		if err != nil {
			s.logger.Error("failed to mark followup processing",
				"case_id", f.CaseID, "error", err)
			continue
		}
		if !won {
			continue
		}

		res, err := s.dispatcher.Dispatch(ctx, f.CaseID, engine.DispatchRequest{
			TriggerType:  models.TriggerFollowup,
			ScheduledKey: &key,
		})
		if err != nil {
			s.logger.Error("followup dispatch failed", "case_id", f.CaseID, "error", err)
			s.rescheduleFollowup(ctx, f.CaseID)
			continue
		}

		switch res.Outcome {
		case models.OutcomeDispatched:
			s.logger.Info("followup dispatched",
				"case_id", f.CaseID, "scheduled_key", key, "run_id", res.RunID)
		case models.OutcomeActiveRunExists:
			// Another run holds the case; put the schedule back so the
			// next sweep retries once the case is free.
			s.rescheduleFollowup(ctx, f.CaseID)
		case models.OutcomeCaseNotFound, models.OutcomeAlreadySent:
			s.logger.Info("followup cancelled, case no longer eligible",
				"case_id", f.CaseID, "outcome", res.Outcome)
			if err := s.store.UpdateFollowup(ctx, db, f.CaseID, models.FollowupPatch{
				Status:        models.Ptr(models.FollowupCancelled),
				ClearNextDate: true,
			}); err != nil {
				s.logger.Error("failed to cancel followup", "case_id", f.CaseID, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) rescheduleFollowup(ctx context.Context, caseID int64) {
	err := s.store.UpdateFollowup(ctx, s.store.DB(), caseID, models.FollowupPatch{
		Status:            models.Ptr(models.FollowupScheduled),
		ClearScheduledKey: true,
	})
	if err != nil {
		s.logger.Error("failed to reschedule followup", "case_id", caseID, "error", err)
	}
}

// reapStaleRuns fails runs whose heartbeat stopped. The reaper threshold
// trails the heartbeat interval by enough that only genuinely dead pods
// trip it.
func (s *Scheduler) reapStaleRuns(ctx context.Context) error {
	threshold := time.Now().Add(-s.cfg.Engine.StaleAfter)

	stale, err := s.store.StaleRuns(ctx, s.store.DB(), threshold, sweepBatchLimit)
	if err != nil {
		return err
	}

	for i := range stale {
		run := stale[i]
		s.logger.Warn("reaping stale run",
			"run_id", run.ID, "case_id", run.CaseID,
			"heartbeat_at", run.HeartbeatAt, "pod_id", run.PodID)

		_, err := s.resolver.Transition(ctx, run.CaseID, models.EventRunStaleCleaned, caseevent.Context{
			RunID: &run.ID,
		})
		if err != nil {
			s.logger.Error("failed to reap stale run", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// reapStuckPortalTasks escalates portal tasks nobody picked up.
func (s *Scheduler) reapStuckPortalTasks(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Cron.StuckPortalAfter)

	stuck, err := s.store.StuckPortalTasks(ctx, s.store.DB(), cutoff, sweepBatchLimit)
	if err != nil {
		return err
	}

	for i := range stuck {
		task := stuck[i]
		s.logger.Warn("portal task stuck",
			"portal_task_id", task.ID, "case_id", task.CaseID,
			"pending_since", task.CreatedAt)

		evctx := caseevent.Context{PortalTaskID: &task.ID}
		if task.ProposalID != nil {
			evctx.ProposalID = task.ProposalID
		}
		_, err := s.resolver.Transition(ctx, task.CaseID, models.EventPortalStuck, evctx)
		if err != nil {
			s.logger.Error("failed to mark portal task stuck",
				"portal_task_id", task.ID, "error", err)
		}
	}
	return nil
}

// sweepDeadlines escalates cases whose agency blew past its due date. A
// case that already burned through the followup ladder goes to the phone
// queue instead of getting yet another email run.
func (s *Scheduler) sweepDeadlines(ctx context.Context) error {
	db := s.store.DB()
	now := time.Now()

	overdue, err := s.store.CasesPastDeadline(ctx, db, now, sweepBatchLimit)
	if err != nil {
		return err
	}

	for i := range overdue {
		kase := overdue[i]

		res, terr := s.resolver.Transition(ctx, kase.ID, models.EventDeadlinePassed, caseevent.Context{
			TransitionKey: models.BuildDeadlineKey(kase.ID, now),
		})
		if terr != nil {
			s.logger.Error("deadline transition failed", "case_id", kase.ID, "error", terr)
			continue
		}
		if res.Replayed {
			// Today's sweep already handled this case.
			continue
		}

		if s.followupsExhausted(ctx, kase.ID) {
			_, terr := s.resolver.Transition(ctx, kase.ID, models.EventPhoneEscalationQueued, caseevent.Context{
				TransitionKey: models.BuildPhoneEscalationKey(kase.ID, now),
			})
			if terr != nil {
				s.logger.Error("phone escalation failed", "case_id", kase.ID, "error", terr)
			}
			continue
		}

		dres, derr := s.dispatcher.Dispatch(ctx, kase.ID, engine.DispatchRequest{
			TriggerType:  models.TriggerDeadlineEscalation,
			ScheduledKey: models.Ptr(models.BuildDeadlineKey(kase.ID, now)),
		})
		if derr != nil {
			s.logger.Error("deadline dispatch failed", "case_id", kase.ID, "error", derr)
			continue
		}
		s.logger.Info("deadline escalation dispatched",
			"case_id", kase.ID, "outcome", dres.Outcome)
	}
	return nil
}

func (s *Scheduler) followupsExhausted(ctx context.Context, caseID int64) bool {
	f, err := s.store.GetFollowup(ctx, s.store.DB(), caseID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to load followup schedule", "case_id", caseID, "error", err)
		}
		return false
	}
	return f.Status == models.FollowupMaxReached ||
		f.FollowupCount >= s.cfg.Followups.MaxFollowups
}

// pruneRetention trims old ledger rows and nulls bulky projection blobs on
// rows past their replay usefulness.
func (s *Scheduler) pruneRetention(ctx context.Context) error {
	if !s.cfg.Retention.Enabled {
		return nil
	}

	db := s.store.DB()
	now := time.Now()

	pruned, err := s.store.PruneLedger(ctx, db,
		now.Add(-s.cfg.Retention.LedgerMaxAge), s.cfg.Retention.BatchSize)
	if err != nil {
		return err
	}
	cleared, err := s.store.PruneProjections(ctx, db,
		now.Add(-s.cfg.Retention.ProjectionMaxAge), s.cfg.Retention.BatchSize)
	if err != nil {
		return err
	}

	if pruned > 0 || cleared > 0 {
		s.logger.Info("retention prune",
			"ledger_rows_deleted", pruned, "projections_cleared", cleared)
	}
	return nil
}
