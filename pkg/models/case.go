package models

import (
	"database/sql/driver"
	"time"
)

// Case is the unit of work: one records request tracked against one agency.
type Case struct {
	ID                 int64             `db:"id" json:"id"`
	Status             CaseStatus        `db:"status" json:"status"`
	Substatus          *string           `db:"substatus" json:"substatus,omitempty"`
	RequiresHuman      bool              `db:"requires_human" json:"requiresHuman"`
	PauseReason        *PauseReason      `db:"pause_reason" json:"pauseReason,omitempty"`
	NextDueAt          *time.Time        `db:"next_due_at" json:"nextDueAt,omitempty"`
	AutopilotMode      AutopilotMode     `db:"autopilot_mode" json:"autopilotMode"`
	SubmissionChannel  SubmissionChannel `db:"submission_channel" json:"submissionChannel"`
	AgencyName         string            `db:"agency_name" json:"agencyName"`
	AgencyJurisdiction *string           `db:"agency_jurisdiction" json:"agencyJurisdiction,omitempty"`
	AgencyEmail        *string           `db:"agency_email" json:"agencyEmail,omitempty"`
	PortalURL          *string           `db:"portal_url" json:"portalUrl,omitempty"`
	RequestedRecords   StringList        `db:"requested_records" json:"requestedRecords"`
	ScopeItems         StringList        `db:"scope_items" json:"scopeItems"`
	Constraints        CaseConstraints   `db:"constraints" json:"constraints"`
	SendDate           *time.Time        `db:"send_date" json:"sendDate,omitempty"`
	LastResponseDate   *time.Time        `db:"last_response_date" json:"lastResponseDate,omitempty"`
	ResearchNotes      *string           `db:"research_notes" json:"researchNotes,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updatedAt"`
}

// HasContactMethod reports invariant I1: a case must reach its agency by
// email or by portal.
func (c *Case) HasContactMethod() bool {
	return (c.AgencyEmail != nil && *c.AgencyEmail != "") ||
		(c.PortalURL != nil && *c.PortalURL != "")
}

// AgencyResearched reports whether an agency-research pass already ran,
// which flips the no_records denial route from research to reformulation.
func (c *Case) AgencyResearched() bool {
	if c.Constraints.AgencyResearchedAt != nil {
		return true
	}
	return c.ResearchNotes != nil && *c.ResearchNotes != ""
}

// CaseConstraints is the denormalized JSON blob of facts extracted from the
// agency correspondence: quoted fees, deadlines, tracking identity.
type CaseConstraints struct {
	FeeAmount          *float64   `json:"feeAmount,omitempty"`
	FeeNote            *string    `json:"feeNote,omitempty"`
	TrackingNumber     *string    `json:"trackingNumber,omitempty"`
	DeadlineAt         *time.Time `json:"deadlineAt,omitempty"`
	ExtensionUntil     *time.Time `json:"extensionUntil,omitempty"`
	AgencyResearchedAt *time.Time `json:"agencyResearchedAt,omitempty"`
	PortalAccountHint  *string    `json:"portalAccountHint,omitempty"`
}

// Value implements driver.Valuer.
func (c CaseConstraints) Value() (driver.Value, error) {
	return marshalJSONB(c)
}

// Scan implements sql.Scanner.
func (c *CaseConstraints) Scan(src any) error {
	return scanJSON(c, src)
}

// CaseSnapshot is the reducer's complete view of one case: the row plus the
// satellites a transition may touch. Loaded under FOR UPDATE by the store.
type CaseSnapshot struct {
	Case        Case
	ActiveRun   *Run
	Proposals   []Proposal
	PortalTasks []PortalTask
	Followup    *FollowupSchedule
}

// ActiveProposal returns the single proposal occupying the active slot, or
// nil. More than one would be a broken invariant; the last one wins so the
// reducer can still repair state.
func (s *CaseSnapshot) ActiveProposal() *Proposal {
	var found *Proposal
	for i := range s.Proposals {
		if s.Proposals[i].Status.Active() {
			found = &s.Proposals[i]
		}
	}
	return found
}
