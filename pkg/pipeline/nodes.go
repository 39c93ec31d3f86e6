package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// correspondenceWindow bounds how much thread history the classifier and
// drafter see.
const correspondenceWindow = 10

// loadContext loads the case snapshot, the triggering message, and a
// compact transcript of recent correspondence.
func (p *Pipeline) loadContext(ctx context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta

	snap, err := p.store.LoadSnapshot(ctx, p.store.DB(), st.CaseID, false)
	if err != nil {
		return d, "", fmt.Errorf("load snapshot: %w", err)
	}
	if snap.Case.Status.Terminal() {
		return d, "", fmt.Errorf("case %d is %s; nothing to run", st.CaseID, snap.Case.Status)
	}
	env.snap = snap

	if st.TriggerMessageID != nil {
		msg, err := p.store.GetMessage(ctx, p.store.DB(), *st.TriggerMessageID)
		if err != nil {
			return d, "", fmt.Errorf("load trigger message: %w", err)
		}
		env.trigger = msg
	}

	history, err := p.store.ListMessagesForCase(ctx, p.store.DB(), st.CaseID, correspondenceWindow)
	if err != nil {
		return d, "", fmt.Errorf("load correspondence: %w", err)
	}
	for _, msg := range history {
		if env.trigger != nil && msg.ID == env.trigger.ID {
			continue
		}
		env.correspondence = append(env.correspondence,
			fmt.Sprintf("[%s] %s: %s", msg.Direction, msg.Subject, excerpt(msg.Body, 300)))
	}

	d.Logs = append(d.Logs, fmt.Sprintf("loaded case %d (%s, %s) with %d prior messages",
		st.CaseID, snap.Case.Status, snap.Case.AgencyName, len(env.correspondence)))

	if !snap.Case.HasContactMethod() {
		d.Warnings = append(d.Warnings, "case has no agency email or portal URL")
	}

	if env.trigger != nil && env.trigger.Direction == models.DirectionInbound {
		return d, nodeClassifyInbound, nil
	}
	return d, nodeDecideNextAction, nil
}

// classifyInbound asks the classifier to read the triggering message, and
// records the classification on the case timeline. A classifier outage
// degrades to UNKNOWN so the run still completes with a gated escalation.
func (p *Pipeline) classifyInbound(ctx context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta
	if env.trigger == nil {
		return d, nodeUpdateConstraints, nil
	}

	in := llm.ClassifyInput{
		CaseID:               st.CaseID,
		AgencyName:           env.snap.Case.AgencyName,
		RequestedRecords:     env.snap.Case.RequestedRecords,
		Subject:              env.trigger.Subject,
		Body:                 env.trigger.Body,
		RecentCorrespondence: env.correspondence,
	}

	cls, err := p.llm.Classify(ctx, in)
	if err != nil {
		p.logger.Warn("classifier unavailable, degrading to UNKNOWN",
			"case_id", st.CaseID, "run_id", st.RunID, "error", err)
		d.Errors = append(d.Errors, "classify: "+err.Error())
		d.RiskFlags = append(d.RiskFlags, "classifier_unavailable")
		cls = &llm.Classification{
			Classification:   models.ClassUnknown,
			RequiresResponse: true,
		}
	}

	d.Classification = cls
	d.FeeAmount = cls.FeeAmount
	d.PortalURL = cls.PortalURL
	d.Logs = append(d.Logs, fmt.Sprintf("classified inbound as %s (confidence %.2f)",
		cls.Classification, cls.Confidence))

	settled, err := p.recordClassification(ctx, env, st, cls)
	if err != nil {
		return d, "", err
	}
	d.RunSettled = settled

	return d, nodeUpdateConstraints, nil
}

// recordClassification emits the case timeline event implied by the
// classification. Returns true when the transition already settled the run
// (a DELIVERY completes case and run together).
func (p *Pipeline) recordClassification(ctx context.Context, env *runEnv, st State, cls *llm.Classification) (bool, error) {
	msgID := env.trigger.ID
	evctx := caseevent.Context{MessageID: &msgID}

	switch cls.Classification {
	case models.ClassFeeQuote:
		evctx.FeeAmount = cls.FeeAmount
		if len(cls.KeyPoints) > 0 {
			evctx.Note = models.Ptr(strings.Join(cls.KeyPoints, "; "))
		}
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventFeeQuoteReceived, evctx)
		return false, err

	case models.ClassAcknowledgment:
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventAcknowledgmentReceived, evctx)
		return false, err

	case models.ClassDelivery:
		if _, err := p.resolver.Transition(ctx, st.CaseID, models.EventCaseResponded, evctx); err != nil {
			return false, err
		}
		// Records delivered: the case and the run complete together.
		runID := st.RunID
		evctx.RunID = &runID
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventCaseCompleted, evctx)
		return err == nil, err

	case models.ClassNoResponse:
		return false, nil

	default:
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventCaseResponded, evctx)
		return false, err
	}
}

// updateConstraints is pure: it folds the classifier's extracted facts
// into the annotation for routing and the eventual proposal record.
func (p *Pipeline) updateConstraints(_ context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta
	cls := st.Classification
	if cls == nil {
		return d, nodeDecideNextAction, nil
	}

	if cls.FeeAmount != nil {
		d.ProposalReasoning = append(d.ProposalReasoning,
			fmt.Sprintf("agency quoted a fee of %.2f", *cls.FeeAmount))
	}
	if cls.PortalURL != nil && *cls.PortalURL != "" {
		d.ProposalReasoning = append(d.ProposalReasoning,
			"agency referenced submission portal "+*cls.PortalURL)
	}
	if cls.DenialSubtype != nil {
		d.ProposalReasoning = append(d.ProposalReasoning,
			fmt.Sprintf("denial subtype: %s", *cls.DenialSubtype))
	}
	return d, nodeDecideNextAction, nil
}

// decideNextAction applies the routing policy.
func (p *Pipeline) decideNextAction(_ context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta

	dec := route(p.cfg, &env.snap.Case, st.TriggerType, st.Classification)
	d.Action = &dec.Action
	d.ProposalReasoning = append(d.ProposalReasoning, dec.Reasoning...)
	d.PauseReason = dec.PauseReason
	d.ForceGate = dec.ForceGate
	d.NeedsPortalTask = dec.NeedsPortalTask
	d.IsComplete = dec.Complete
	d.Logs = append(d.Logs, fmt.Sprintf("decided next action: %s", dec.Action))

	if dec.Complete {
		return d, nodeCommitState, nil
	}

	traits, ok := models.TraitsFor(dec.Action)
	if !ok {
		return d, "", fmt.Errorf("no traits for action %s", dec.Action)
	}
	if traits.RequiresDraft {
		return d, nodeDraftResponse, nil
	}
	return d, nodeSafetyCheck, nil
}

// draftResponse composes the outbound message. A drafting failure does not
// abort the run: the empty draft trips the safety check and the decision
// gates for a human to write it.
func (p *Pipeline) draftResponse(ctx context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta

	in := llm.DraftInput{
		CaseID:           st.CaseID,
		Action:           st.Action,
		AgencyName:       env.snap.Case.AgencyName,
		RequestedRecords: env.snap.Case.RequestedRecords,
		FeeAmount:        st.FeeAmount,
		Instruction:      st.Instruction,
	}
	if st.Classification != nil {
		in.KeyPoints = st.Classification.KeyPoints
	}
	if env.trigger != nil {
		in.TriggerSubject = env.trigger.Subject
		in.TriggerBody = env.trigger.Body
	}

	draft, err := p.llm.Draft(ctx, in)
	if err != nil {
		p.logger.Warn("drafter unavailable, gating without a draft",
			"case_id", st.CaseID, "run_id", st.RunID, "action", st.Action, "error", err)
		d.Errors = append(d.Errors, "draft: "+err.Error())
		d.RiskFlags = append(d.RiskFlags, "draft_failed")
		return d, nodeSafetyCheck, nil
	}

	d.DraftSubject = &draft.Subject
	d.DraftBody = &draft.Body
	d.Confidence = &draft.Confidence
	if draft.Reasoning != "" {
		d.ProposalReasoning = append(d.ProposalReasoning, "draft: "+draft.Reasoning)
	}
	d.Logs = append(d.Logs, fmt.Sprintf("drafted %s (%d words)",
		st.Action, len(strings.Fields(draft.Body))))
	return d, nodeSafetyCheck, nil
}

// safetyCheck inspects the draft; it never rewrites it.
func (p *Pipeline) safetyCheck(_ context.Context, _ *runEnv, st State) (Delta, string, error) {
	var d Delta

	subject, body := "", ""
	if st.DraftSubject != nil {
		subject = *st.DraftSubject
	}
	if st.DraftBody != nil {
		body = *st.DraftBody
	}

	flags, warnings := inspectDraft(p.cfg.Safety, st.Action, subject, body)
	d.RiskFlags = append(d.RiskFlags, flags...)
	d.Warnings = append(d.Warnings, warnings...)
	if len(flags) > 0 {
		d.Logs = append(d.Logs, fmt.Sprintf("safety check raised %d risk flags", len(flags)))
	}
	return d, nodeGateOrExecute, nil
}

// gateOrExecute applies the gating matrix and routes accordingly.
func (p *Pipeline) gateOrExecute(_ context.Context, _ *runEnv, st State) (Delta, string, error) {
	var d Delta

	traits, ok := models.TraitsFor(st.Action)
	if !ok {
		return d, "", fmt.Errorf("no traits for action %s", st.Action)
	}

	gate, why := shouldGate(p.cfg, &st, traits)
	if gate {
		d.Gated = true
		d.ProposalReasoning = append(d.ProposalReasoning, "gated: "+why)
		d.Logs = append(d.Logs, "gating for human review: "+why)
		if st.PauseReason == nil {
			reason := traits.PauseReason
			if reason == "" {
				reason = models.PauseUnspecified
			}
			d.PauseReason = &reason
		}
		return d, nodeCommitState, nil
	}

	d.Logs = append(d.Logs, fmt.Sprintf("auto-executing %s in %s mode", st.Action, st.AutopilotMode))
	return d, nodeExecuteAction, nil
}

// executeAction materializes the proposal and drives the side effect. On
// resume, the checkpointed proposal is approved first; on the auto path a
// fresh DRAFT proposal is upserted under the deterministic key.
func (p *Pipeline) executeAction(ctx context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta

	prop := env.proposal
	if prop != nil {
		// Resume with an APPROVE: mark approval on the timeline before
		// anything leaves the system.
		propID := prop.ID
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventProposalApproved, caseevent.Context{
			ProposalID: &propID,
			Decision:   prop.HumanDecision,
		})
		if err != nil {
			return d, "", fmt.Errorf("approve proposal: %w", err)
		}
	} else {
		checkpoint, err := st.Checkpoint()
		if err != nil {
			return d, "", err
		}
		np := store.NewProposal{
			CaseID:           st.CaseID,
			RunID:            st.RunID,
			ProposalKey:      models.BuildProposalKey(st.CaseID, st.TriggerMessageID, st.Action, st.Attempt),
			ActionType:       st.Action,
			Status:           models.ProposalStatusDraft,
			TriggerMessageID: st.TriggerMessageID,
			DraftSubject:     st.DraftSubject,
			DraftBody:        st.DraftBody,
			Reasoning:        st.ProposalReasoning,
			RiskFlags:        st.RiskFlags,
			Warnings:         st.Warnings,
			Confidence:       st.Confidence,
			CanAutoExecute:   true,
			PipelineState:    checkpoint,
			Attempt:          st.Attempt,
		}
		prop, err = p.store.UpsertProposal(ctx, p.store.DB(), np)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Another active proposal holds the slot; the intended
				// work is already pending on a human.
				d.Warnings = append(d.Warnings, "active proposal already exists; skipping execution")
				d.IsComplete = true
				return d, nodeCommitState, nil
			}
			return d, "", err
		}
	}

	propID := prop.ID
	d.ProposalID = &propID

	traits, _ := models.TraitsFor(st.Action)
	if traits.Provider == models.ProviderNone {
		return p.executeInternal(ctx, env, st, prop, d)
	}

	exec, err := p.exec.Execute(ctx, env.run, prop)
	if err != nil {
		return d, "", fmt.Errorf("execute %s: %w", st.Action, err)
	}

	if exec.ID != uuid.Nil {
		execID := exec.ID
		d.ExecutionID = &execID
	}
	d.Logs = append(d.Logs, fmt.Sprintf("execution %s finished %s via %s",
		exec.ExecutionKey, exec.Status, exec.Provider))

	switch exec.Status {
	case models.ExecutionStatusSent:
		return d, nodeCommitState, nil
	case models.ExecutionStatusPendingHuman:
		// A portal task was opened and the run moved to waiting.
		d.RunSettled = true
		return d, nodeCommitState, nil
	case models.ExecutionStatusSkipped:
		// Rate limited or already in flight: gate instead of sending.
		d.Gated = true
		reason := models.PauseApproval
		d.PauseReason = &reason
		if exec.Error != nil {
			d.Warnings = append(d.Warnings, "execution skipped: "+*exec.Error)
		}
		return d, nodeCommitState, nil
	default:
		msg := "execution failed"
		if exec.Error != nil {
			msg = *exec.Error
		}
		return d, "", fmt.Errorf("execute %s: %s", st.Action, msg)
	}
}

// executeInternal settles provider-less actions. RESEARCH_AGENCY parks the
// case for contact work; everything else just marks the proposal done.
func (p *Pipeline) executeInternal(ctx context.Context, env *runEnv, st State, prop *models.Proposal, d Delta) (Delta, string, error) {
	propID := prop.ID

	if st.Action == models.ActionResearchAgency {
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventCaseWrongAgency, caseevent.Context{
			ProposalID:  &propID,
			PauseReason: st.PauseReason,
		})
		if err != nil {
			return d, "", fmt.Errorf("record wrong agency: %w", err)
		}
	}

	err := p.store.UpdateProposal(ctx, p.store.DB(), propID, models.ProposalPatch{
		Status: models.Ptr(models.ProposalStatusExecuted),
	})
	if err != nil {
		return d, "", err
	}
	d.Logs = append(d.Logs, fmt.Sprintf("internal action %s recorded", st.Action))
	return d, nodeCommitState, nil
}

// commitState is the terminal node: it lands portal tasks, gated
// proposals, dismissals, followup bookkeeping, message processing marks,
// and the run's own completion, in that order, each as its own ledger
// transition.
func (p *Pipeline) commitState(ctx context.Context, env *runEnv, st State) (Delta, string, error) {
	var d Delta
	runID := st.RunID

	if st.NeedsPortalTask {
		if err := p.openRedirectPortalTask(ctx, env, st); err != nil {
			return d, "", err
		}
	}

	if st.DismissProposal && env.proposal != nil {
		propID := env.proposal.ID
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventProposalDismissed, caseevent.Context{
			ProposalID: &propID,
			Decision:   env.proposal.HumanDecision,
		})
		if err != nil {
			return d, "", fmt.Errorf("dismiss proposal: %w", err)
		}
		d.Logs = append(d.Logs, "proposal dismissed per reviewer decision")
	}

	if st.Gated {
		return p.commitGated(ctx, env, st, d)
	}

	if st.TriggerType == models.TriggerFollowup && st.ExecutionID != nil {
		if err := p.commitFollowupSent(ctx, env, st); err != nil {
			return d, "", err
		}
	}

	if env.trigger != nil && env.trigger.ProcessedAt == nil {
		err := p.store.MarkMessageProcessed(ctx, p.store.DB(), env.trigger.ID, runID, time.Now().UTC())
		if err != nil {
			return d, "", err
		}
	}

	if !st.RunSettled {
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventRunCompleted, caseevent.Context{
			RunID: &runID,
		})
		if err != nil {
			return d, "", fmt.Errorf("complete run: %w", err)
		}
	}

	d.IsComplete = true
	d.Logs = append(d.Logs, "run committed")
	return d, nodeDone, nil
}

// commitGated persists the checkpoint as a PENDING_APPROVAL proposal and
// pauses the run behind it.
func (p *Pipeline) commitGated(ctx context.Context, env *runEnv, st State, d Delta) (Delta, string, error) {
	runID := st.RunID

	checkpoint, err := st.Checkpoint()
	if err != nil {
		return d, "", err
	}
	np := store.NewProposal{
		CaseID:           st.CaseID,
		RunID:            runID,
		ProposalKey:      models.BuildProposalKey(st.CaseID, st.TriggerMessageID, st.Action, st.Attempt),
		ActionType:       st.Action,
		Status:           models.ProposalStatusPendingApproval,
		TriggerMessageID: st.TriggerMessageID,
		DraftSubject:     st.DraftSubject,
		DraftBody:        st.DraftBody,
		Reasoning:        st.ProposalReasoning,
		RiskFlags:        st.RiskFlags,
		Warnings:         st.Warnings,
		Confidence:       st.Confidence,
		RequiresHuman:    true,
		PauseReason:      st.PauseReason,
		PipelineState:    checkpoint,
		Attempt:          st.Attempt,
	}
	prop, err := p.store.UpsertProposal(ctx, p.store.DB(), np)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			p.logger.Warn("gating skipped: another active proposal holds the slot",
				"case_id", st.CaseID, "run_id", runID, "action", st.Action)
			d.Warnings = append(d.Warnings, "gating skipped: active proposal already exists")
			_, terr := p.resolver.Transition(ctx, st.CaseID, models.EventRunCompleted, caseevent.Context{
				RunID: &runID,
			})
			if terr != nil {
				return d, "", terr
			}
			d.IsComplete = true
			return d, nodeDone, nil
		}
		return d, "", err
	}

	propID := prop.ID
	d.ProposalID = &propID

	_, err = p.resolver.Transition(ctx, st.CaseID, models.EventProposalGated, caseevent.Context{
		ProposalID:  &propID,
		RunID:       &runID,
		PauseReason: st.PauseReason,
	})
	if err != nil {
		return d, "", fmt.Errorf("gate proposal: %w", err)
	}

	if env.trigger != nil && env.trigger.ProcessedAt == nil {
		err := p.store.MarkMessageProcessed(ctx, p.store.DB(), env.trigger.ID, runID, time.Now().UTC())
		if err != nil {
			return d, "", err
		}
	}

	d.IsComplete = true
	d.Logs = append(d.Logs, fmt.Sprintf("gated %s as proposal %s", st.Action, prop.ID))
	return d, nodeDone, nil
}

// openRedirectPortalTask records a newly learned portal URL and opens the
// manual resubmission task a PORTAL_REDIRECT asks for. No run id rides on
// the transition: the run itself completes normally afterwards.
func (p *Pipeline) openRedirectPortalTask(ctx context.Context, env *runEnv, st State) error {
	url := ""
	if st.PortalURL != nil {
		url = *st.PortalURL
	} else if env.snap.Case.PortalURL != nil {
		url = *env.snap.Case.PortalURL
	}
	if url == "" {
		return fmt.Errorf("portal redirect without a portal URL on case %d", st.CaseID)
	}

	if st.PortalURL != nil &&
		(env.snap.Case.PortalURL == nil || *env.snap.Case.PortalURL != *st.PortalURL) {
		err := p.store.UpdateCase(ctx, p.store.DB(), st.CaseID, models.CasePatch{PortalURL: st.PortalURL})
		if err != nil {
			return fmt.Errorf("record portal url: %w", err)
		}
	}

	task, err := p.store.InsertPortalTask(ctx, p.store.DB(), store.NewPortalTask{
		CaseID:       st.CaseID,
		PortalURL:    url,
		Instructions: models.Ptr("agency redirected this request to its portal; resubmit there"),
	})
	if err != nil {
		return fmt.Errorf("open portal task: %w", err)
	}

	taskID := task.ID
	_, err = p.resolver.Transition(ctx, st.CaseID, models.EventPortalTaskCreated, caseevent.Context{
		PortalTaskID: &taskID,
	})
	if err != nil {
		return fmt.Errorf("record portal task: %w", err)
	}
	return nil
}

// commitFollowupSent bumps the followup counter and either arms the next
// timer or records that the ladder is exhausted.
func (p *Pipeline) commitFollowupSent(ctx context.Context, env *runEnv, st State) error {
	runID := st.RunID
	count := 0
	if env.snap.Followup != nil {
		count = env.snap.Followup.FollowupCount
	}

	evctx := caseevent.Context{RunID: &runID}
	if count+1 < p.cfg.Followups.MaxFollowups {
		gap := p.cfg.Followups.NextGapDays(count + 1)
		next := time.Now().UTC().AddDate(0, 0, gap)
		evctx.NextFollowupDate = &next
	}
	if _, err := p.resolver.Transition(ctx, st.CaseID, models.EventFollowupSent, evctx); err != nil {
		return fmt.Errorf("record followup sent: %w", err)
	}

	if count+1 >= p.cfg.Followups.MaxFollowups {
		_, err := p.resolver.Transition(ctx, st.CaseID, models.EventFollowupMaxReached, caseevent.Context{
			RunID: &runID,
		})
		if err != nil {
			return fmt.Errorf("record followup ladder exhausted: %w", err)
		}
	}
	return nil
}

// excerpt truncates a body for transcript context.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
