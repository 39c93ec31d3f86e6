package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one append-only audit row for a runtime transition. The
// (case_id, transition_key) uniqueness is what makes transitions replayable:
// a duplicate insert means the transition already happened.
type LedgerEntry struct {
	ID               int64           `db:"id" json:"id"`
	CaseID           int64           `db:"case_id" json:"caseId"`
	Event            CaseEvent       `db:"event" json:"event"`
	TransitionKey    string          `db:"transition_key" json:"transitionKey"`
	Context          json.RawMessage `db:"context" json:"context,omitempty"`
	MutationsApplied json.RawMessage `db:"mutations_applied" json:"mutationsApplied,omitempty"`
	Projection       json.RawMessage `db:"projection" json:"projection,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}

// DeadLetter is a job that exhausted its retries and needs operator eyes.
type DeadLetter struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	QueueName    string          `db:"queue_name" json:"queueName"`
	JobID        *string         `db:"job_id" json:"jobId,omitempty"`
	JobData      json.RawMessage `db:"job_data" json:"jobData,omitempty"`
	Error        string          `db:"error" json:"error"`
	AttemptCount int             `db:"attempt_count" json:"attemptCount"`
	CaseID       *int64          `db:"case_id" json:"caseId,omitempty"`
	Resolution   *string         `db:"resolution" json:"resolution,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	ResolvedAt   *time.Time      `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// CronLease is the leader-lease row guarding each periodic job. A sweep runs
// only while it holds (or freshly steals) the named lease.
type CronLease struct {
	Name      string    `db:"name" json:"name"`
	Holder    string    `db:"holder" json:"holder"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}
