package executor

import (
	"context"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// openPortalTask hands a portal submission to a human. The execution settles
// as PENDING_HUMAN and the run parks in waiting until the operator resolves
// the task through the API.
func (e *Executor) openPortalTask(ctx context.Context, run *models.Run, prop *models.Proposal, exec *models.Execution) (*models.Execution, error) {
	db := e.store.DB()

	kase, err := e.store.GetCase(ctx, db, prop.CaseID)
	if err != nil {
		return nil, err
	}
	if kase.PortalURL == nil || *kase.PortalURL == "" {
		reason := models.PauseNoContactInfo
		return e.failExecution(ctx, run, prop, exec, "case has no portal URL", &reason, 0)
	}

	task, err := e.store.InsertPortalTask(ctx, db, store.NewPortalTask{
		CaseID:       prop.CaseID,
		ProposalID:   &prop.ID,
		ExecutionID:  &exec.ID,
		PortalURL:    *kase.PortalURL,
		Content:      prop.DraftBody,
		Instructions: models.Ptr("Submit the drafted request through the agency portal and record the confirmation number."),
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	if err := e.store.UpdateExecution(ctx, db, exec.ID, store.ExecutionUpdate{
		Status:      models.Ptr(models.ExecutionStatusPendingHuman),
		CompletedAt: models.Ptr(now),
	}); err != nil {
		return nil, err
	}

	_, err = e.resolver.Transition(ctx, prop.CaseID, models.EventPortalTaskCreated, caseevent.Context{
		RunID:        &run.ID,
		ProposalID:   &prop.ID,
		ExecutionID:  &exec.ID,
		PortalTaskID: &task.ID,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("portal task opened",
		"case_id", prop.CaseID, "portal_task_id", task.ID,
		"execution_id", exec.ID)

	exec.Status = models.ExecutionStatusPendingHuman
	exec.CompletedAt = models.Ptr(now)
	return exec, nil
}
