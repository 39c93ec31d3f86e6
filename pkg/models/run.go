package models

import (
	"time"

	"github.com/google/uuid"
)

// Run is a single invocation of the decision pipeline for a case. At most
// one run per case may sit in the active status set at any time.
type Run struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	CaseID           int64         `db:"case_id" json:"caseId"`
	TriggerType      TriggerType   `db:"trigger_type" json:"triggerType"`
	TriggerMessageID *uuid.UUID    `db:"trigger_message_id" json:"triggerMessageId,omitempty"`
	ScheduledKey     *string       `db:"scheduled_key" json:"scheduledKey,omitempty"`
	Status           RunStatus     `db:"status" json:"status"`
	AutopilotMode    AutopilotMode `db:"autopilot_mode" json:"autopilotMode"`
	PodID            *string       `db:"pod_id" json:"podId,omitempty"`
	Error            *string       `db:"error" json:"error,omitempty"`
	StartedAt        *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt          *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	HeartbeatAt      time.Time     `db:"heartbeat_at" json:"heartbeatAt"`
	LockExpiresAt    time.Time     `db:"lock_expires_at" json:"lockExpiresAt"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
}

// DispatchResult is what the run engine returns for a dispatch request.
// RunID is set for dispatched and for the dedup outcomes that resolve to an
// existing run.
type DispatchResult struct {
	Outcome DispatchOutcome `json:"outcome"`
	RunID   *uuid.UUID      `json:"runId,omitempty"`
}
