package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// Executor owns every externally visible side effect. The execution key is
// claimed and the execution row inserted before anything goes on the wire,
// so a crash mid-send never produces a second send on retry.
type Executor struct {
	store    *store.Store
	resolver *runtime.Resolver
	cfg      *config.Config
	email    Provider
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an executor.
func New(st *store.Store, res *runtime.Resolver, cfg *config.Config, email Provider) *Executor {
	return &Executor{
		store:    st,
		resolver: res,
		cfg:      cfg,
		email:    email,
		logger:   slog.With("component", "executor"),
		now:      time.Now,
	}
}

// Execute drives the proposal's side effect to a settled execution row.
//
// The returned execution's status tells the caller what happened: SENT for a
// delivered email, PENDING_HUMAN for an opened portal task, SKIPPED when the
// rate limit or an in-flight duplicate stopped the send, FAILED after retry
// exhaustion. A SKIPPED execution produced by the rate limiter is synthetic
// and carries a nil ID; nothing was persisted for it.
func (e *Executor) Execute(ctx context.Context, run *models.Run, prop *models.Proposal) (*models.Execution, error) {
	traits, ok := models.TraitsFor(prop.ActionType)
	if !ok || traits.Provider == models.ProviderNone {
		return nil, fmt.Errorf("action %s has no executable provider", prop.ActionType)
	}

	db := e.store.DB()
	key := models.BuildExecutionKey(prop.ID)

	if traits.Outbound() {
		since := e.now().Add(-time.Hour)
		sent, err := e.store.CountRecentOutbound(ctx, db, prop.CaseID, since)
		if err != nil {
			return nil, err
		}
		if sent >= e.cfg.Executor.OutboundRatePerHour {
			e.logger.Warn("outbound rate limit hit",
				"case_id", prop.CaseID, "sent_last_hour", sent,
				"limit", e.cfg.Executor.OutboundRatePerHour)
			return syntheticSkip(run, prop, traits, key,
				fmt.Sprintf("rate limit: %d outbound in the last hour", sent)), nil
		}
	}

	claimed, err := e.store.ClaimExecutionKey(ctx, db, prop.ID, key)
	if err != nil {
		return nil, err
	}
	if !claimed && (prop.ExecutionKey == nil || *prop.ExecutionKey != key) {
		// Another writer holds the claim. If its execution row exists,
		// hand it back; the side effect is theirs.
		existing, lookupErr := e.store.GetExecutionByKey(ctx, db, key)
		if lookupErr == nil {
			return existing, nil
		}
		if !errors.Is(lookupErr, store.ErrNotFound) {
			return nil, lookupErr
		}
		// Claimed but never inserted: the claimer crashed between the
		// two writes. The key matches this proposal, so take over.
	}

	exec, created, err := e.store.InsertExecution(ctx, db, store.NewExecution{
		CaseID:       prop.CaseID,
		ProposalID:   prop.ID,
		RunID:        &run.ID,
		ExecutionKey: key,
		ActionType:   prop.ActionType,
		Provider:     traits.Provider,
	})
	if err != nil {
		return nil, err
	}
	if !created && exec.Status != models.ExecutionStatusQueued {
		// A previous attempt already settled this side effect.
		e.logger.Info("execution already settled",
			"case_id", prop.CaseID, "execution_key", key, "status", exec.Status)
		return exec, nil
	}

	switch traits.Provider {
	case models.ProviderEmail:
		return e.sendEmail(ctx, run, prop, exec)
	case models.ProviderPortal:
		return e.openPortalTask(ctx, run, prop, exec)
	default:
		return nil, fmt.Errorf("unknown provider %q", traits.Provider)
	}
}

// syntheticSkip shapes a skip outcome without persisting anything. The nil
// ID marks it as unsent bookkeeping, not an attempt.
func syntheticSkip(run *models.Run, prop *models.Proposal, traits models.ActionTraits, key, reason string) *models.Execution {
	return &models.Execution{
		CaseID:       prop.CaseID,
		ProposalID:   prop.ID,
		RunID:        &run.ID,
		ExecutionKey: key,
		ActionType:   prop.ActionType,
		Status:       models.ExecutionStatusSkipped,
		Provider:     traits.Provider,
		Error:        models.Ptr(reason),
	}
}

// sendEmail delivers the drafted text with retries and commits the outcome
// through the ledger. Retry exhaustion parks the payload in the dead letter
// queue before the failure transition runs.
func (e *Executor) sendEmail(ctx context.Context, run *models.Run, prop *models.Proposal, exec *models.Execution) (*models.Execution, error) {
	db := e.store.DB()

	kase, err := e.store.GetCase(ctx, db, prop.CaseID)
	if err != nil {
		return nil, err
	}
	if kase.AgencyEmail == nil || *kase.AgencyEmail == "" {
		reason := models.PauseNoContactInfo
		return e.failExecution(ctx, run, prop, exec, "case has no agency email", &reason, 0)
	}

	req := &SendRequest{
		To:      *kase.AgencyEmail,
		Subject: derefOr(prop.DraftSubject, "Public records request"),
		Body:    derefOr(prop.DraftBody, ""),
	}
	if run.TriggerMessageID != nil {
		trigger, err := e.store.GetMessage(ctx, db, *run.TriggerMessageID)
		if err != nil {
			return nil, err
		}
		req.InReplyTo, req.References = threadingHeaders(trigger)
	}

	attempts := 0
	send := func() (*SendResult, error) {
		attempts++
		return e.email.Send(ctx, req)
	}
	notify := func(sendErr error, next time.Duration) {
		e.logger.Warn("email send failed, retrying",
			"case_id", prop.CaseID, "execution_id", exec.ID,
			"attempt", attempts, "next_in", next, "error", sendErr)
		retries := attempts
		_ = e.store.UpdateExecution(ctx, db, exec.ID, store.ExecutionUpdate{
			RetryCount: models.Ptr(retries),
		})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Executor.BackoffSeed
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(e.cfg.Executor.MaxRetries)), ctx)

	result, sendErr := backoff.RetryNotifyWithData(send, policy, notify)
	if sendErr != nil {
		return e.failExecution(ctx, run, prop, exec, sendErr.Error(), nil, attempts)
	}

	outbound, _, err := e.store.InsertMessage(ctx, db, store.NewMessage{
		CaseID:            prop.CaseID,
		Direction:         models.DirectionOutbound,
		ProviderMessageID: models.Ptr(result.ProviderMessageID),
		RFCMessageID:      models.Ptr(result.RFCMessageID),
		InReplyTo:         nilIfEmpty(req.InReplyTo),
		ReferencesHeader:  nilIfEmpty(req.References),
		FromAddr:          e.email.From(),
		ToAddr:            req.To,
		Subject:           req.Subject,
		Body:              req.Body,
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	if err := e.store.UpdateExecution(ctx, db, exec.ID, store.ExecutionUpdate{
		Status:            models.Ptr(models.ExecutionStatusSent),
		ProviderMessageID: models.Ptr(result.ProviderMessageID),
		CompletedAt:       models.Ptr(now),
	}); err != nil {
		return nil, err
	}

	nextFollowup, err := e.nextFollowupDate(ctx, run, prop)
	if err != nil {
		return nil, err
	}

	_, err = e.resolver.Transition(ctx, prop.CaseID, models.EventEmailSent, caseevent.Context{
		RunID:            &run.ID,
		ProposalID:       &prop.ID,
		ExecutionID:      &exec.ID,
		MessageID:        &outbound.ID,
		NextFollowupDate: nextFollowup,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("email sent",
		"case_id", prop.CaseID, "action", prop.ActionType,
		"execution_id", exec.ID, "message_id", result.RFCMessageID)

	exec.Status = models.ExecutionStatusSent
	exec.ProviderMessageID = models.Ptr(result.ProviderMessageID)
	exec.CompletedAt = models.Ptr(now)
	return exec, nil
}

// nextFollowupDate computes when the followup sweep should next nudge the
// agency. Followup sends schedule their own successor at commit, so they
// get no date here.
func (e *Executor) nextFollowupDate(ctx context.Context, run *models.Run, prop *models.Proposal) (*time.Time, error) {
	if run.TriggerType == models.TriggerFollowup || prop.ActionType == models.ActionSendFollowup {
		return nil, nil
	}

	count := 0
	followup, err := e.store.GetFollowup(ctx, e.store.DB(), prop.CaseID)
	switch {
	case err == nil:
		count = followup.FollowupCount
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	next := e.now().AddDate(0, 0, e.cfg.Followups.NextGapDays(count))
	return &next, nil
}

// failExecution settles the execution as FAILED, parks the payload for an
// operator, and pauses the case through the ledger.
func (e *Executor) failExecution(ctx context.Context, run *models.Run, prop *models.Proposal, exec *models.Execution, reason string, pause *models.PauseReason, attempts int) (*models.Execution, error) {
	db := e.store.DB()
	now := e.now()

	payload, _ := json.Marshal(map[string]any{
		"caseId":     prop.CaseID,
		"proposalId": prop.ID,
		"action":     prop.ActionType,
		"subject":    derefOr(prop.DraftSubject, ""),
	})
	if _, err := e.store.InsertDeadLetter(ctx, db, store.NewDeadLetter{
		QueueName:    "executions",
		JobID:        models.Ptr(exec.ID.String()),
		JobData:      payload,
		Error:        reason,
		AttemptCount: attempts,
		CaseID:       &prop.CaseID,
	}); err != nil {
		return nil, err
	}

	update := store.ExecutionUpdate{
		Status:      models.Ptr(models.ExecutionStatusFailed),
		Error:       models.Ptr(reason),
		CompletedAt: models.Ptr(now),
	}
	if attempts > 0 {
		update.RetryCount = models.Ptr(attempts)
	}
	if err := e.store.UpdateExecution(ctx, db, exec.ID, update); err != nil {
		return nil, err
	}

	_, err := e.resolver.Transition(ctx, prop.CaseID, models.EventEmailFailed, caseevent.Context{
		RunID:       &run.ID,
		ProposalID:  &prop.ID,
		ExecutionID: &exec.ID,
		PauseReason: pause,
		Error:       models.Ptr(reason),
	})
	if err != nil {
		return nil, err
	}

	e.logger.Error("execution failed",
		"case_id", prop.CaseID, "action", prop.ActionType,
		"execution_id", exec.ID, "attempts", attempts, "error", reason)

	exec.Status = models.ExecutionStatusFailed
	exec.Error = models.Ptr(reason)
	exec.CompletedAt = models.Ptr(now)
	return exec, nil
}

// threadingHeaders derives In-Reply-To and References from the message being
// answered, per RFC 5322 section 3.6.4.
func threadingHeaders(trigger *models.Message) (inReplyTo, references string) {
	if trigger == nil || trigger.RFCMessageID == nil || *trigger.RFCMessageID == "" {
		return "", ""
	}
	inReplyTo = *trigger.RFCMessageID
	if trigger.ReferencesHeader != nil && *trigger.ReferencesHeader != "" {
		references = *trigger.ReferencesHeader + " " + inReplyTo
	} else {
		references = inReplyTo
	}
	return inReplyTo, references
}

func derefOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
