// Package llm is the boundary to the external language-model service used
// for classification and drafting. The runtime treats it as a pluggable
// callable: implementations must be safe for concurrent use, and callers
// must survive any error by degrading to the conservative UNKNOWN path.
package llm

import (
	"context"

	"github.com/openrecords/docket/pkg/models"
)

// ClassifyInput is the inbound message plus the case context the
// classifier may condition on.
type ClassifyInput struct {
	CaseID           int64
	AgencyName       string
	RequestedRecords []string
	Subject          string
	Body             string

	// RecentCorrespondence is a compact transcript of prior messages,
	// oldest first, for thread context.
	RecentCorrespondence []string
}

// Classification is the classifier's reading of an inbound message.
type Classification struct {
	Classification models.Classification `json:"classification"`
	DenialSubtype  *models.DenialSubtype `json:"denial_subtype,omitempty"`
	KeyPoints      []string              `json:"key_points,omitempty"`
	FeeAmount      *float64              `json:"fee_amount,omitempty"`
	PortalURL      *string               `json:"portal_url,omitempty"`

	// RequiresResponse is false when the message needs no reply (pure
	// acknowledgments, delivery notices, portal redirects).
	RequiresResponse bool    `json:"requires_response"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning,omitempty"`
}

// DraftInput describes the outbound message to compose.
type DraftInput struct {
	CaseID           int64
	Action           models.ActionType
	AgencyName       string
	RequestedRecords []string
	TriggerSubject   string
	TriggerBody      string
	KeyPoints        []string
	FeeAmount        *float64

	// Instruction carries a reviewer's ADJUST guidance on resume runs.
	Instruction *string
}

// Draft is a composed outbound message.
type Draft struct {
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
	Reasoning string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Classifier reads inbound agency messages.
type Classifier interface {
	Classify(ctx context.Context, in ClassifyInput) (*Classification, error)
}

// Drafter composes outbound responses.
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (*Draft, error)
}

// Service bundles both capabilities; the HTTP client and the test stub
// implement it.
type Service interface {
	Classifier
	Drafter
}
