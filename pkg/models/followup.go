package models

import "time"

// FollowupSchedule is the per-case timer row the followup sweep consumes.
// ScheduledKey records the idempotency token of the most recent dispatch so
// a re-fired sweep collapses onto the same run.
type FollowupSchedule struct {
	CaseID           int64          `db:"case_id" json:"caseId"`
	NextFollowupDate *time.Time     `db:"next_followup_date" json:"nextFollowupDate,omitempty"`
	FollowupCount    int            `db:"followup_count" json:"followupCount"`
	Status           FollowupStatus `db:"status" json:"status"`
	ScheduledKey     *string        `db:"scheduled_key" json:"scheduledKey,omitempty"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updatedAt"`
}
