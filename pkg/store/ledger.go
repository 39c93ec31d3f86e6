package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrecords/docket/pkg/models"
)

const ledgerColumns = `id, case_id, event, transition_key, context,
	mutations_applied, projection, created_at`

// NewLedgerEntry is the insert payload for one runtime transition.
type NewLedgerEntry struct {
	CaseID           int64
	Event            models.CaseEvent
	TransitionKey    string
	Context          json.RawMessage
	MutationsApplied json.RawMessage
	Projection       json.RawMessage
}

// InsertLedgerEntry appends one audit row. The write happens before any
// mutation in the same transaction; a duplicate (case, transition_key)
// surfaces ErrAlreadyApplied, which the transition layer converts into an
// idempotent replay of the stored projection.
func (s *Store) InsertLedgerEntry(ctx context.Context, q Queryer, ne NewLedgerEntry) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := sqlxGet(ctx, q, &e, `
		INSERT INTO case_event_ledger (
			case_id, event, transition_key, context, mutations_applied, projection
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+ledgerColumns,
		ne.CaseID, ne.Event, ne.TransitionKey, nullableJSON(ne.Context),
		nullableJSON(ne.MutationsApplied), nullableJSON(ne.Projection))
	if err != nil {
		if isUniqueViolation(err, "case_event_ledger_transition_key") {
			return nil, ErrAlreadyApplied
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return &e, nil
}

// UpdateLedgerOutcome fills in the mutations and projection after the
// reducer ran. Same transaction as the insert.
func (s *Store) UpdateLedgerOutcome(ctx context.Context, q Queryer, id int64, mutations, projection json.RawMessage) error {
	_, err := q.ExecContext(ctx, `
		UPDATE case_event_ledger
		SET mutations_applied = $2, projection = $3
		WHERE id = $1`,
		id, nullableJSON(mutations), nullableJSON(projection))
	if err != nil {
		return fmt.Errorf("update ledger entry %d: %w", id, err)
	}
	return nil
}

// GetLedgerEntryByKey loads the prior row for an idempotent replay.
func (s *Store) GetLedgerEntryByKey(ctx context.Context, q Queryer, caseID int64, transitionKey string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := sqlxGet(ctx, q, &e, `
		SELECT `+ledgerColumns+` FROM case_event_ledger
		WHERE case_id = $1 AND transition_key = $2`, caseID, transitionKey)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("ledger entry %d/%s", caseID, models.ShortKey(transitionKey)))
	}
	return &e, nil
}

// ListLedgerForCase pages the case's timeline, oldest first. afterID = 0
// starts from the beginning.
func (s *Store) ListLedgerForCase(ctx context.Context, q Queryer, caseID int64, afterID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.LedgerEntry
	err := sqlxSelect(ctx, q, &entries, fmt.Sprintf(`
		SELECT %s FROM case_event_ledger
		WHERE case_id = $1 AND id > $2
		ORDER BY created_at, id
		LIMIT %d`, ledgerColumns, limit), caseID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list ledger for case %d: %w", caseID, err)
	}
	return entries, nil
}

// PruneLedger deletes rows older than the cutoff, bounded per pass.
// Returns rows deleted.
func (s *Store) PruneLedger(ctx context.Context, q Queryer, cutoff any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM case_event_ledger
		WHERE id IN (
			SELECT id FROM case_event_ledger
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT %d
		)`, batchSize), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneProjections nulls the bulky projection snapshots of rows older than
// the cutoff while keeping the audit row itself. Returns rows touched.
func (s *Store) PruneProjections(ctx context.Context, q Queryer, cutoff any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE case_event_ledger SET projection = NULL
		WHERE id IN (
			SELECT id FROM case_event_ledger
			WHERE created_at < $1 AND projection IS NOT NULL
			ORDER BY created_at
			LIMIT %d
		)`, batchSize), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune projections: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
