package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

const proposalColumns = `id, case_id, run_id, proposal_key, execution_key,
	action_type, status, trigger_message_id, draft_subject, draft_body,
	reasoning, risk_flags, warnings, confidence, can_auto_execute,
	requires_human, pause_reason, pipeline_state, human_decision, attempt,
	created_at, updated_at`

// NewProposal is the upsert payload for a decision artifact.
type NewProposal struct {
	CaseID           int64
	RunID            uuid.UUID
	ProposalKey      string
	ActionType       models.ActionType
	Status           models.ProposalStatus
	TriggerMessageID *uuid.UUID
	DraftSubject     *string
	DraftBody        *string
	Reasoning        models.StringList
	RiskFlags        models.StringList
	Warnings         models.StringList
	Confidence       *float64
	CanAutoExecute   bool
	RequiresHuman    bool
	PauseReason      *models.PauseReason
	PipelineState    json.RawMessage
	Attempt          int
}

// UpsertProposal inserts a proposal or, when the proposal key already
// exists, merges the retry's draft onto the existing row. Retried runs for
// the same stimulus and action therefore land on one artifact.
func (s *Store) UpsertProposal(ctx context.Context, q Queryer, np NewProposal) (*models.Proposal, error) {
	var p models.Proposal
	err := sqlxGet(ctx, q, &p, `
		INSERT INTO proposals (
			case_id, run_id, proposal_key, action_type, status,
			trigger_message_id, draft_subject, draft_body, reasoning,
			risk_flags, warnings, confidence, can_auto_execute,
			requires_human, pause_reason, pipeline_state, attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (proposal_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			draft_subject = EXCLUDED.draft_subject,
			draft_body = EXCLUDED.draft_body,
			reasoning = EXCLUDED.reasoning,
			risk_flags = EXCLUDED.risk_flags,
			warnings = EXCLUDED.warnings,
			confidence = EXCLUDED.confidence,
			can_auto_execute = EXCLUDED.can_auto_execute,
			requires_human = EXCLUDED.requires_human,
			pause_reason = EXCLUDED.pause_reason,
			pipeline_state = EXCLUDED.pipeline_state,
			updated_at = now()
		RETURNING `+proposalColumns,
		np.CaseID, np.RunID, np.ProposalKey, np.ActionType, np.Status,
		np.TriggerMessageID, np.DraftSubject, np.DraftBody, np.Reasoning,
		np.RiskFlags, np.Warnings, np.Confidence, np.CanAutoExecute,
		np.RequiresHuman, np.PauseReason, nullableJSON(np.PipelineState),
		np.Attempt)
	if err != nil {
		if isUniqueViolation(err, "proposals_one_active_per_case") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("upsert proposal %s: %w", np.ProposalKey, err)
	}
	return &p, nil
}

// GetProposal loads one proposal.
func (s *Store) GetProposal(ctx context.Context, q Queryer, id uuid.UUID) (*models.Proposal, error) {
	var p models.Proposal
	err := sqlxGet(ctx, q, &p,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("proposal %s", id))
	}
	return &p, nil
}

// GetActiveProposalForCase returns the proposal occupying the case's active
// slot, or ErrNotFound.
func (s *Store) GetActiveProposalForCase(ctx context.Context, q Queryer, caseID int64) (*models.Proposal, error) {
	var p models.Proposal
	err := sqlxGet(ctx, q, &p, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE case_id = $1 AND status IN (`+activeProposalSet+`)
		LIMIT 1`, caseID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("active proposal for case %d", caseID))
	}
	return &p, nil
}

// ProposalFilter narrows ListProposals.
type ProposalFilter struct {
	CaseID *int64
	Status *models.ProposalStatus
	Limit  int
	Offset int
}

// ListProposals returns proposals matching the filter, newest first.
func (s *Store) ListProposals(ctx context.Context, q Queryer, f ProposalFilter) ([]models.Proposal, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.CaseID != nil {
		where = append(where, "case_id = "+arg(*f.CaseID))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		proposalColumns, strings.Join(where, " AND "), limit, max(f.Offset, 0))

	var props []models.Proposal
	if err := sqlxSelect(ctx, q, &props, query, args...); err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return props, nil
}

// ProposalsForCase returns the recent proposals the snapshot loader feeds
// to the reducer, newest first.
func (s *Store) ProposalsForCase(ctx context.Context, q Queryer, caseID int64, limit int) ([]models.Proposal, error) {
	return s.ListProposals(ctx, q, ProposalFilter{CaseID: &caseID, Limit: limit})
}

// ClaimExecutionKey transitions the proposal's execution key from null to
// key. Exactly one claimant wins; everyone else sees false and must treat
// the side effect as already in flight.
func (s *Store) ClaimExecutionKey(ctx context.Context, q Queryer, proposalID uuid.UUID, key string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE proposals SET execution_key = $2, updated_at = now()
		WHERE id = $1
		  AND execution_key IS NULL
		  AND status NOT IN ('EXECUTED', 'BLOCKED')`,
		proposalID, key)
	if err != nil {
		return false, fmt.Errorf("claim execution key for proposal %s: %w", proposalID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ErrAlreadyDecided indicates a human decision arrived for a proposal that
// has already left the active set.
var ErrAlreadyDecided = errors.New("proposal already decided")

// ApplyDecision records a reviewer's verdict on an active proposal and
// moves it to DECISION_RECEIVED. A second decision on the same proposal
// returns ErrAlreadyDecided so the API can answer 409 with the current
// status.
func (s *Store) ApplyDecision(ctx context.Context, q Queryer, proposalID uuid.UUID, decision models.HumanDecision) (*models.Proposal, error) {
	var p models.Proposal
	err := sqlxGet(ctx, q, &p, `
		UPDATE proposals
		SET status = 'DECISION_RECEIVED', human_decision = $2, updated_at = now()
		WHERE id = $1 AND status IN (`+activeProposalSet+`)
		RETURNING `+proposalColumns,
		proposalID, decision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetProposal(ctx, q, proposalID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("apply decision to proposal %s: %w", proposalID, err)
	}
	return &p, nil
}

// UpdateProposal applies a partial update. A zero patch is a no-op.
func (s *Store) UpdateProposal(ctx context.Context, q Queryer, id uuid.UUID, p models.ProposalPatch) error {
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
	if p.ExecutionKey != nil {
		set("execution_key", *p.ExecutionKey)
	}
	if p.PauseReason != nil {
		set("pause_reason", *p.PauseReason)
	}
	if p.RequiresHuman != nil {
		set("requires_human", *p.RequiresHuman)
	}
	if p.HumanDecision != nil {
		set("human_decision", *p.HumanDecision)
	}
	if p.DraftSubject != nil {
		set("draft_subject", *p.DraftSubject)
	}
	if p.DraftBody != nil {
		set("draft_body", *p.DraftBody)
	}
	if p.PipelineState != nil {
		set("pipeline_state", []byte(p.PipelineState))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE proposals SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}

// DismissActiveProposals moves every active proposal on the case to the
// given terminal status. Used by the reducer's alignment flags.
func (s *Store) DismissActiveProposals(ctx context.Context, q Queryer, caseID int64, to models.ProposalStatus) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE proposals SET status = $2, updated_at = now()
		WHERE case_id = $1 AND status IN (`+activeProposalSet+`)`,
		caseID, to)
	if err != nil {
		return 0, fmt.Errorf("dismiss active proposals for case %d: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DismissPortalProposals fails the case's active PENDING_PORTAL proposals
// after a portal breakdown.
func (s *Store) DismissPortalProposals(ctx context.Context, q Queryer, caseID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE proposals SET status = 'FAILED', updated_at = now()
		WHERE case_id = $1 AND status = 'PENDING_PORTAL'`, caseID)
	if err != nil {
		return 0, fmt.Errorf("dismiss portal proposals for case %d: %w", caseID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// nullableJSON maps empty checkpoints to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
