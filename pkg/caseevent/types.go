// Package caseevent holds the pure case reducer: the single source of
// truth for how case status evolves. Reduce maps (snapshot, event, ctx) to
// a set of intended writes plus a projection of the post-event state. It
// performs no I/O; pkg/runtime applies its output transactionally.
package caseevent

import (
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

// Context carries the event's parameters. Fields are optional unless the
// event's reduction requires them; Now must always be set so reductions
// stay deterministic under test.
type Context struct {
	// TransitionKey overrides the derived idempotency token. Timer and
	// webhook events pass their natural tokens through here.
	TransitionKey string `json:"transitionKey,omitempty"`

	RunID        *uuid.UUID `json:"runId,omitempty"`
	ProposalID   *uuid.UUID `json:"proposalId,omitempty"`
	ExecutionID  *uuid.UUID `json:"executionId,omitempty"`
	MessageID    *uuid.UUID `json:"messageId,omitempty"`
	PortalTaskID *uuid.UUID `json:"portalTaskId,omitempty"`

	PauseReason        *models.PauseReason   `json:"pauseReason,omitempty"`
	Error              *string               `json:"error,omitempty"`
	FeeAmount          *float64              `json:"feeAmount,omitempty"`
	PortalURL          *string               `json:"portalUrl,omitempty"`
	ConfirmationNumber *string               `json:"confirmationNumber,omitempty"`
	NextFollowupDate   *time.Time            `json:"nextFollowupDate,omitempty"`
	Decision           *models.HumanDecision `json:"decision,omitempty"`
	Note               *string               `json:"note,omitempty"`

	Now time.Time `json:"now"`
}

// RunMutation targets one agent_runs row.
type RunMutation struct {
	RunID uuid.UUID       `json:"runId"`
	Patch models.RunPatch `json:"patch"`
}

// ProposalMutation targets one proposals row.
type ProposalMutation struct {
	ProposalID uuid.UUID            `json:"proposalId"`
	Patch      models.ProposalPatch `json:"patch"`
}

// PortalTaskMutation targets one portal_tasks row.
type PortalTaskMutation struct {
	TaskID uuid.UUID              `json:"taskId"`
	Patch  models.PortalTaskPatch `json:"patch"`
}

// Mutations is the reducer's complete set of intended writes. The explicit
// per-row mutations always win over the blanket flags: the applier runs the
// flags first, then the per-row patches.
type Mutations struct {
	Case        models.CasePatch      `json:"case"`
	Runs        []RunMutation         `json:"runs,omitempty"`
	Proposals   []ProposalMutation    `json:"proposals,omitempty"`
	PortalTasks []PortalTaskMutation  `json:"portalTasks,omitempty"`
	Followup    *models.FollowupPatch `json:"followup,omitempty"`

	// DismissAllProposals moves every active proposal to DISMISSED.
	DismissAllProposals bool `json:"dismissAllProposals,omitempty"`

	// DismissPortalProposals moves active PENDING_PORTAL proposals to
	// FAILED after a portal breakdown.
	DismissPortalProposals bool `json:"dismissPortalProposals,omitempty"`

	// CancelOtherRuns defensively fails every active run except the one
	// named in the event context. A second active run is already a broken
	// invariant; this repairs it instead of compounding it.
	CancelOtherRuns bool `json:"cancelOtherRuns,omitempty"`
}

// mutateRun appends a patch for the given run id.
func (m *Mutations) mutateRun(id uuid.UUID, p models.RunPatch) {
	m.Runs = append(m.Runs, RunMutation{RunID: id, Patch: p})
}

// mutateProposal appends a patch for the given proposal id.
func (m *Mutations) mutateProposal(id uuid.UUID, p models.ProposalPatch) {
	m.Proposals = append(m.Proposals, ProposalMutation{ProposalID: id, Patch: p})
}

// mutateTask appends a patch for the given portal task id.
func (m *Mutations) mutateTask(id uuid.UUID, p models.PortalTaskPatch) {
	m.PortalTasks = append(m.PortalTasks, PortalTaskMutation{TaskID: id, Patch: p})
}

// Projection summarizes the post-event case state for the caller. It is
// persisted on the ledger row and returned verbatim on idempotent replays.
type Projection struct {
	CaseID         int64                  `json:"caseId"`
	Event          models.CaseEvent       `json:"event"`
	Status         models.CaseStatus      `json:"status"`
	Substatus      *string                `json:"substatus,omitempty"`
	RequiresHuman  bool                   `json:"requiresHuman"`
	PauseReason    *models.PauseReason    `json:"pauseReason,omitempty"`
	ActiveRunID    *uuid.UUID             `json:"activeRunId,omitempty"`
	FollowupStatus *models.FollowupStatus `json:"followupStatus,omitempty"`
	OccurredAt     time.Time              `json:"occurredAt"`
}
