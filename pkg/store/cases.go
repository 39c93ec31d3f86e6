package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openrecords/docket/pkg/models"
)

const caseColumns = `id, status, substatus, requires_human, pause_reason,
	next_due_at, autopilot_mode, submission_channel, agency_name,
	agency_jurisdiction, agency_email, portal_url, requested_records,
	scope_items, constraints, send_date, last_response_date, research_notes,
	created_at, updated_at`

// NewCase is the insert payload for an imported case.
type NewCase struct {
	AutopilotMode      models.AutopilotMode
	SubmissionChannel  models.SubmissionChannel
	AgencyName         string
	AgencyJurisdiction *string
	AgencyEmail        *string
	PortalURL          *string
	RequestedRecords   models.StringList
	ScopeItems         models.StringList
	NextDueAt          *time.Time
}

// CreateCase inserts a new case in ready_to_send and returns the full row.
func (s *Store) CreateCase(ctx context.Context, q Queryer, nc NewCase) (*models.Case, error) {
	var c models.Case
	err := sqlxGet(ctx, q, &c, `
		INSERT INTO cases (
			autopilot_mode, submission_channel, agency_name,
			agency_jurisdiction, agency_email, portal_url,
			requested_records, scope_items, next_due_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+caseColumns,
		nc.AutopilotMode, nc.SubmissionChannel, nc.AgencyName,
		nc.AgencyJurisdiction, nc.AgencyEmail, nc.PortalURL,
		nc.RequestedRecords, nc.ScopeItems, nc.NextDueAt)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	return &c, nil
}

// GetCase loads one case.
func (s *Store) GetCase(ctx context.Context, q Queryer, id int64) (*models.Case, error) {
	var c models.Case
	err := sqlxGet(ctx, q, &c,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("case %d", id))
	}
	return &c, nil
}

// GetCaseForUpdate loads one case under FOR UPDATE. The case row is the
// mutex for every runtime transition.
func (s *Store) GetCaseForUpdate(ctx context.Context, q Queryer, id int64) (*models.Case, error) {
	var c models.Case
	err := sqlxGet(ctx, q, &c,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("case %d", id))
	}
	return &c, nil
}

// CaseFilter narrows ListCases.
type CaseFilter struct {
	Status        *models.CaseStatus
	RequiresHuman *bool
	PauseReason   *models.PauseReason
	Limit         int
	Offset        int
}

// ListCases returns cases matching the filter, newest first.
func (s *Store) ListCases(ctx context.Context, q Queryer, f CaseFilter) ([]models.Case, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}
	if f.RequiresHuman != nil {
		where = append(where, "requires_human = "+arg(*f.RequiresHuman))
	}
	if f.PauseReason != nil {
		where = append(where, "pause_reason = "+arg(*f.PauseReason))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		caseColumns, strings.Join(where, " AND "), limit, max(f.Offset, 0))

	var cases []models.Case
	if err := sqlxSelect(ctx, q, &cases, query, args...); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return cases, nil
}

// UpdateCase applies a partial update. A zero patch is a no-op.
func (s *Store) UpdateCase(ctx context.Context, q Queryer, id int64, p models.CasePatch) error {
	if p.IsZero() {
		return nil
	}
	sets := []string{"updated_at = now()"}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Substatus != nil {
		set("substatus", *p.Substatus)
	} else if p.ClearSubstatus {
		sets = append(sets, "substatus = NULL")
	}
	if p.RequiresHuman != nil {
		set("requires_human", *p.RequiresHuman)
	}
	if p.PauseReason != nil {
		set("pause_reason", *p.PauseReason)
	} else if p.ClearPauseReason {
		sets = append(sets, "pause_reason = NULL")
	}
	if p.NextDueAt != nil {
		set("next_due_at", *p.NextDueAt)
	} else if p.ClearNextDueAt {
		sets = append(sets, "next_due_at = NULL")
	}
	if p.SendDate != nil {
		set("send_date", *p.SendDate)
	}
	if p.LastResponseDate != nil {
		set("last_response_date", *p.LastResponseDate)
	}
	if p.Constraints != nil {
		set("constraints", *p.Constraints)
	}
	if p.ResearchNotes != nil {
		set("research_notes", *p.ResearchNotes)
	}
	if p.PortalURL != nil {
		set("portal_url", *p.PortalURL)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE cases SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update case %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %d: %w", id, ErrNotFound)
	}
	return nil
}

// CasesPastDeadline returns cases whose next_due_at has passed and that are
// neither terminal nor already parked on a human. The deadline sweep feeds
// on this.
func (s *Store) CasesPastDeadline(ctx context.Context, q Queryer, now time.Time, limit int) ([]models.Case, error) {
	if limit <= 0 {
		limit = 100
	}
	var cases []models.Case
	err := sqlxSelect(ctx, q, &cases, fmt.Sprintf(`
		SELECT %s FROM cases
		WHERE next_due_at IS NOT NULL
		  AND next_due_at < $1
		  AND status NOT IN ('completed', 'cancelled')
		  AND requires_human = FALSE
		ORDER BY next_due_at
		LIMIT %d`, caseColumns, limit), now)
	if err != nil {
		return nil, fmt.Errorf("cases past deadline: %w", err)
	}
	return cases, nil
}
