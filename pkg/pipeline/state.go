package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
)

// State is the annotation threaded through the pipeline nodes. It is the
// checkpoint unit: at gating the whole struct is marshalled into the
// proposal's pipeline_state column, and a resume run rehydrates from it.
// Fields must therefore stay JSON-serializable.
type State struct {
	CaseID           int64                `json:"caseId"`
	RunID            uuid.UUID            `json:"runId"`
	TriggerType      models.TriggerType   `json:"triggerType"`
	TriggerMessageID *uuid.UUID           `json:"triggerMessageId,omitempty"`
	AutopilotMode    models.AutopilotMode `json:"autopilotMode"`
	Attempt          int                  `json:"attempt"`

	Classification *llm.Classification `json:"classification,omitempty"`
	Action         models.ActionType   `json:"action,omitempty"`
	FeeAmount      *float64            `json:"feeAmount,omitempty"`
	PortalURL      *string             `json:"portalUrl,omitempty"`
	DraftSubject   *string             `json:"draftSubject,omitempty"`
	DraftBody      *string             `json:"draftBody,omitempty"`
	Confidence     *float64            `json:"confidence,omitempty"`

	// Instruction carries a reviewer's ADJUST guidance into the redraft.
	Instruction *string `json:"instruction,omitempty"`

	// ForceGate overrides autopilot: set by routing for decisions that
	// must see a human even in AUTO mode.
	ForceGate   bool                `json:"forceGate,omitempty"`
	Gated       bool                `json:"gated,omitempty"`
	PauseReason *models.PauseReason `json:"pauseReason,omitempty"`

	// NeedsPortalTask asks commit_state to open a manual portal work item.
	NeedsPortalTask bool `json:"needsPortalTask,omitempty"`

	// DismissProposal asks commit_state to dismiss the checkpointed
	// proposal (resume with a DISMISS verdict).
	DismissProposal bool `json:"dismissProposal,omitempty"`

	// RunSettled means an earlier transition already moved the run out of
	// the active set (waiting on a portal task, completed with the case),
	// so commit_state must not emit RUN_COMPLETED again.
	RunSettled bool `json:"runSettled,omitempty"`

	ProposalID  *uuid.UUID `json:"proposalId,omitempty"`
	ExecutionID *uuid.UUID `json:"executionId,omitempty"`

	IsComplete bool `json:"isComplete,omitempty"`

	// Append-only annotations.
	Logs              []string `json:"logs,omitempty"`
	Errors            []string `json:"errors,omitempty"`
	ProposalReasoning []string `json:"proposalReasoning,omitempty"`
	RiskFlags         []string `json:"riskFlags,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Delta is a node's contribution to the state. Nil pointers leave the prior
// value alone; list fields always append. Booleans that only ever latch on
// (ForceGate, Gated, IsComplete and friends) are plain bools ORed in.
type Delta struct {
	Classification *llm.Classification
	Action         *models.ActionType
	FeeAmount      *float64
	PortalURL      *string
	DraftSubject   *string
	DraftBody      *string
	Confidence     *float64
	Instruction    *string
	PauseReason    *models.PauseReason
	ProposalID     *uuid.UUID
	ExecutionID    *uuid.UUID

	ForceGate       bool
	Gated           bool
	NeedsPortalTask bool
	DismissProposal bool
	RunSettled      bool
	IsComplete      bool

	Logs              []string
	Errors            []string
	ProposalReasoning []string
	RiskFlags         []string
	Warnings          []string
}

// Merge folds a node's delta into the state: append for lists, last write
// wins for scalars, nil preserves.
func Merge(prev State, d Delta) State {
	next := prev

	if d.Classification != nil {
		next.Classification = d.Classification
	}
	if d.Action != nil {
		next.Action = *d.Action
	}
	if d.FeeAmount != nil {
		next.FeeAmount = d.FeeAmount
	}
	if d.PortalURL != nil {
		next.PortalURL = d.PortalURL
	}
	if d.DraftSubject != nil {
		next.DraftSubject = d.DraftSubject
	}
	if d.DraftBody != nil {
		next.DraftBody = d.DraftBody
	}
	if d.Confidence != nil {
		next.Confidence = d.Confidence
	}
	if d.Instruction != nil {
		next.Instruction = d.Instruction
	}
	if d.PauseReason != nil {
		next.PauseReason = d.PauseReason
	}
	if d.ProposalID != nil {
		next.ProposalID = d.ProposalID
	}
	if d.ExecutionID != nil {
		next.ExecutionID = d.ExecutionID
	}

	next.ForceGate = next.ForceGate || d.ForceGate
	next.Gated = next.Gated || d.Gated
	next.NeedsPortalTask = next.NeedsPortalTask || d.NeedsPortalTask
	next.DismissProposal = next.DismissProposal || d.DismissProposal
	next.RunSettled = next.RunSettled || d.RunSettled
	next.IsComplete = next.IsComplete || d.IsComplete

	next.Logs = appendCopy(prev.Logs, d.Logs)
	next.Errors = appendCopy(prev.Errors, d.Errors)
	next.ProposalReasoning = appendCopy(prev.ProposalReasoning, d.ProposalReasoning)
	next.RiskFlags = appendCopy(prev.RiskFlags, d.RiskFlags)
	next.Warnings = appendCopy(prev.Warnings, d.Warnings)

	return next
}

// appendCopy appends without aliasing the previous state's backing array.
func appendCopy(prev, add []string) []string {
	if len(add) == 0 {
		return prev
	}
	out := make([]string, 0, len(prev)+len(add))
	out = append(out, prev...)
	out = append(out, add...)
	return out
}

// Checkpoint serializes the state for the proposal's pipeline_state column.
func (s State) Checkpoint() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline state: %w", err)
	}
	return raw, nil
}

// Rehydrate restores a checkpointed state from a gated proposal.
func Rehydrate(raw json.RawMessage) (State, error) {
	var s State
	if len(raw) == 0 {
		return s, fmt.Errorf("rehydrate: empty checkpoint")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("rehydrate pipeline state: %w", err)
	}
	return s, nil
}
