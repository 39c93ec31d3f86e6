package models

import (
	"time"

	"github.com/google/uuid"
)

// Execution is a single side-effect attempt group for a proposal. The
// execution key is written before anything leaves the system, so a retry
// after a crash lands on the same row instead of sending twice.
type Execution struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	CaseID            int64           `db:"case_id" json:"caseId"`
	ProposalID        uuid.UUID       `db:"proposal_id" json:"proposalId"`
	RunID             *uuid.UUID      `db:"run_id" json:"runId,omitempty"`
	ExecutionKey      string          `db:"execution_key" json:"executionKey"`
	ActionType        ActionType      `db:"action_type" json:"actionType"`
	Status            ExecutionStatus `db:"status" json:"status"`
	Provider          Provider        `db:"provider" json:"provider"`
	ProviderMessageID *string         `db:"provider_message_id" json:"providerMessageId,omitempty"`
	Error             *string         `db:"error" json:"error,omitempty"`
	RetryCount        int             `db:"retry_count" json:"retryCount"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// PortalTask is a human work item emitted when a portal submission cannot be
// automated.
type PortalTask struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	CaseID             int64            `db:"case_id" json:"caseId"`
	ProposalID         *uuid.UUID       `db:"proposal_id" json:"proposalId,omitempty"`
	ExecutionID        *uuid.UUID       `db:"execution_id" json:"executionId,omitempty"`
	PortalURL          string           `db:"portal_url" json:"portalUrl"`
	Content            *string          `db:"content" json:"content,omitempty"`
	Instructions       *string          `db:"instructions" json:"instructions,omitempty"`
	Status             PortalTaskStatus `db:"status" json:"status"`
	Assignee           *string          `db:"assignee" json:"assignee,omitempty"`
	ConfirmationNumber *string          `db:"confirmation_number" json:"confirmationNumber,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updatedAt"`
}
