package models

import (
	"encoding/json"
	"time"
)

// Patch types carry intended writes from the reducer to the store. Nil
// pointer means "leave the column alone"; the explicit Clear flags are for
// the few columns whose nil state is itself meaningful.

// CasePatch is a partial update of a cases row.
type CasePatch struct {
	Status           *CaseStatus      `json:"status,omitempty"`
	Substatus        *string          `json:"substatus,omitempty"`
	ClearSubstatus   bool             `json:"clearSubstatus,omitempty"`
	RequiresHuman    *bool            `json:"requiresHuman,omitempty"`
	PauseReason      *PauseReason     `json:"pauseReason,omitempty"`
	ClearPauseReason bool             `json:"clearPauseReason,omitempty"`
	NextDueAt        *time.Time       `json:"nextDueAt,omitempty"`
	ClearNextDueAt   bool             `json:"clearNextDueAt,omitempty"`
	SendDate         *time.Time       `json:"sendDate,omitempty"`
	LastResponseDate *time.Time       `json:"lastResponseDate,omitempty"`
	Constraints      *CaseConstraints `json:"constraints,omitempty"`
	ResearchNotes    *string          `json:"researchNotes,omitempty"`
	PortalURL        *string          `json:"portalUrl,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p CasePatch) IsZero() bool {
	return p.Status == nil && p.Substatus == nil && !p.ClearSubstatus &&
		p.RequiresHuman == nil && p.PauseReason == nil && !p.ClearPauseReason &&
		p.NextDueAt == nil && !p.ClearNextDueAt && p.SendDate == nil &&
		p.LastResponseDate == nil && p.Constraints == nil &&
		p.ResearchNotes == nil && p.PortalURL == nil
}

// RunPatch is a partial update of an agent_runs row.
type RunPatch struct {
	Status        *RunStatus `json:"status,omitempty"`
	Error         *string    `json:"error,omitempty"`
	PodID         *string    `json:"podId,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeatAt,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p RunPatch) IsZero() bool {
	return p.Status == nil && p.Error == nil && p.PodID == nil &&
		p.StartedAt == nil && p.EndedAt == nil && p.HeartbeatAt == nil &&
		p.LockExpiresAt == nil
}

// ProposalPatch is a partial update of a proposals row.
type ProposalPatch struct {
	Status        *ProposalStatus `json:"status,omitempty"`
	ExecutionKey  *string         `json:"executionKey,omitempty"`
	PauseReason   *PauseReason    `json:"pauseReason,omitempty"`
	RequiresHuman *bool           `json:"requiresHuman,omitempty"`
	HumanDecision *HumanDecision  `json:"humanDecision,omitempty"`
	DraftSubject  *string         `json:"draftSubject,omitempty"`
	DraftBody     *string         `json:"draftBody,omitempty"`
	PipelineState json.RawMessage `json:"pipelineState,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p ProposalPatch) IsZero() bool {
	return p.Status == nil && p.ExecutionKey == nil && p.PauseReason == nil &&
		p.RequiresHuman == nil && p.HumanDecision == nil &&
		p.DraftSubject == nil && p.DraftBody == nil && p.PipelineState == nil
}

// FollowupPatch is a partial update (or upsert seed) of the per-case
// follow_up_schedule row.
type FollowupPatch struct {
	Status            *FollowupStatus `json:"status,omitempty"`
	NextFollowupDate  *time.Time      `json:"nextFollowupDate,omitempty"`
	ClearNextDate     bool            `json:"clearNextDate,omitempty"`
	FollowupCount     *int            `json:"followupCount,omitempty"`
	ScheduledKey      *string         `json:"scheduledKey,omitempty"`
	ClearScheduledKey bool            `json:"clearScheduledKey,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p FollowupPatch) IsZero() bool {
	return p.Status == nil && p.NextFollowupDate == nil && !p.ClearNextDate &&
		p.FollowupCount == nil && p.ScheduledKey == nil && !p.ClearScheduledKey
}

// PortalTaskPatch is a partial update of a portal_tasks row.
type PortalTaskPatch struct {
	Status             *PortalTaskStatus `json:"status,omitempty"`
	Assignee           *string           `json:"assignee,omitempty"`
	ConfirmationNumber *string           `json:"confirmationNumber,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p PortalTaskPatch) IsZero() bool {
	return p.Status == nil && p.Assignee == nil && p.ConfirmationNumber == nil
}

// Ptr returns a pointer to v; the reducer builds patches almost entirely
// from literals.
func Ptr[T any](v T) *T {
	return &v
}
