package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Proposal is a decision artifact: the pipeline's recommendation of the
// single next action on a case. Gated proposals double as the pipeline
// checkpoint — PipelineState carries the whole state struct so a resume run
// can rehydrate.
type Proposal struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	CaseID           int64           `db:"case_id" json:"caseId"`
	RunID            uuid.UUID       `db:"run_id" json:"runId"`
	ProposalKey      string          `db:"proposal_key" json:"proposalKey"`
	ExecutionKey     *string         `db:"execution_key" json:"executionKey,omitempty"`
	ActionType       ActionType      `db:"action_type" json:"actionType"`
	Status           ProposalStatus  `db:"status" json:"status"`
	TriggerMessageID *uuid.UUID      `db:"trigger_message_id" json:"triggerMessageId,omitempty"`
	DraftSubject     *string         `db:"draft_subject" json:"draftSubject,omitempty"`
	DraftBody        *string         `db:"draft_body" json:"draftBody,omitempty"`
	Reasoning        StringList      `db:"reasoning" json:"reasoning"`
	RiskFlags        StringList      `db:"risk_flags" json:"riskFlags"`
	Warnings         StringList      `db:"warnings" json:"warnings"`
	Confidence       *float64        `db:"confidence" json:"confidence,omitempty"`
	CanAutoExecute   bool            `db:"can_auto_execute" json:"canAutoExecute"`
	RequiresHuman    bool            `db:"requires_human" json:"requiresHuman"`
	PauseReason      *PauseReason    `db:"pause_reason" json:"pauseReason,omitempty"`
	PipelineState    json.RawMessage `db:"pipeline_state" json:"-"`
	HumanDecision    *HumanDecision  `db:"human_decision" json:"humanDecision,omitempty"`
	Attempt          int             `db:"attempt" json:"attempt"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// HumanDecision is the canonical JSON form of a reviewer's verdict.
type HumanDecision struct {
	Action      DecisionAction `json:"action"`
	Instruction *string        `json:"instruction,omitempty"`
	Reason      *string        `json:"reason,omitempty"`
	DecidedBy   string         `json:"decidedBy"`
	DecidedAt   time.Time      `json:"decidedAt"`
}

// Value implements driver.Valuer.
func (d HumanDecision) Value() (driver.Value, error) {
	return marshalJSONB(d)
}

// Scan implements sql.Scanner.
func (d *HumanDecision) Scan(src any) error {
	return scanJSON(d, src)
}
