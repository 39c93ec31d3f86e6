// Package runtime applies case reducer output in a single database
// transaction. Every code path that changes case state goes through
// Resolver.Transition; direct status updates anywhere else are a bug.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/store"
)

// ErrIllegalTransition indicates the event asked for a case status change
// the state machine forbids. The transaction is rolled back.
var ErrIllegalTransition = errors.New("illegal case transition")

// Subscriber receives committed transitions. Notification happens after
// COMMIT; a slow or failing subscriber never rolls back a transition.
type Subscriber interface {
	CaseTransitioned(ctx context.Context, entry *models.LedgerEntry, projection *caseevent.Projection)
}

// Result is the outcome of one Transition call.
type Result struct {
	Projection *caseevent.Projection
	LedgerID   int64

	// Replayed is true when the transition key had already been applied
	// and the stored projection was returned without re-applying.
	Replayed bool
}

// Resolver is the transactional applier around the pure reducer.
type Resolver struct {
	store       *store.Store
	subscribers []Subscriber
	logger      *slog.Logger
}

// NewResolver creates a Resolver. Store is required.
func NewResolver(st *store.Store) *Resolver {
	if st == nil {
		panic("runtime.NewResolver: store is required")
	}
	return &Resolver{
		store:  st,
		logger: slog.With("component", "runtime"),
	}
}

// Subscribe registers a post-commit subscriber. Not safe to call
// concurrently with Transition; wire subscribers at startup.
func (r *Resolver) Subscribe(s Subscriber) {
	r.subscribers = append(r.subscribers, s)
}

// Transition runs one reducer application end to end: lock the case, write
// the ledger row, reduce, apply, commit, notify. A replayed transition key
// short-circuits to the stored projection.
func (r *Resolver) Transition(ctx context.Context, caseID int64, event models.CaseEvent, evctx caseevent.Context) (*Result, error) {
	if evctx.Now.IsZero() {
		evctx.Now = time.Now().UTC()
	}

	var (
		res   Result
		entry *models.LedgerEntry
	)
	err := r.store.InTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		entry, txErr = r.transitionInTx(ctx, tx, caseID, event, evctx, &res)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		for _, s := range r.subscribers {
			s.CaseTransitioned(ctx, entry, res.Projection)
		}
	}
	return &res, nil
}

// TransitionInTx applies a transition inside a caller-owned transaction.
// The caller is responsible for post-commit notification; use Transition
// unless the event must be atomic with other writes.
func (r *Resolver) TransitionInTx(ctx context.Context, tx *sqlx.Tx, caseID int64, event models.CaseEvent, evctx caseevent.Context) (*Result, error) {
	if evctx.Now.IsZero() {
		evctx.Now = time.Now().UTC()
	}
	var res Result
	if _, err := r.transitionInTx(ctx, tx, caseID, event, evctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Resolver) transitionInTx(ctx context.Context, tx *sqlx.Tx, caseID int64, event models.CaseEvent, evctx caseevent.Context, res *Result) (*models.LedgerEntry, error) {
	// The case row is the mutex for the whole transition.
	snap, err := r.store.LoadSnapshot(ctx, tx, caseID, true)
	if err != nil {
		return nil, err
	}

	key := evctx.TransitionKey
	if key == "" {
		key = deriveKey(caseID, event, evctx)
		evctx.TransitionKey = key
	}

	ctxJSON, err := json.Marshal(evctx)
	if err != nil {
		return nil, fmt.Errorf("marshal event context: %w", err)
	}

	// Token before work: the ledger insert is the idempotency gate.
	entry, err := r.store.InsertLedgerEntry(ctx, tx, store.NewLedgerEntry{
		CaseID:        caseID,
		Event:         event,
		TransitionKey: key,
		Context:       ctxJSON,
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		prior, lookupErr := r.store.GetLedgerEntryByKey(ctx, tx, caseID, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		var projection caseevent.Projection
		if len(prior.Projection) > 0 {
			if err := json.Unmarshal(prior.Projection, &projection); err != nil {
				return nil, fmt.Errorf("decode stored projection: %w", err)
			}
		}
		r.logger.Debug("transition replayed",
			"case_id", caseID, "event", event, "transition_key", models.ShortKey(key))
		res.Projection = &projection
		res.LedgerID = prior.ID
		res.Replayed = true
		return prior, nil
	}
	if err != nil {
		return nil, err
	}

	mutations, projection, err := caseevent.Reduce(snap, event, evctx)
	if err != nil {
		return nil, err
	}

	if err := validateTransition(snap.Case.Status, mutations, event); err != nil {
		return nil, err
	}

	if err := r.apply(ctx, tx, snap, evctx, mutations); err != nil {
		return nil, err
	}

	mutJSON, err := json.Marshal(mutations)
	if err != nil {
		return nil, fmt.Errorf("marshal mutations: %w", err)
	}
	projJSON, err := json.Marshal(projection)
	if err != nil {
		return nil, fmt.Errorf("marshal projection: %w", err)
	}
	if err := r.store.UpdateLedgerOutcome(ctx, tx, entry.ID, mutJSON, projJSON); err != nil {
		return nil, err
	}
	entry.MutationsApplied = mutJSON
	entry.Projection = projJSON

	r.logger.Info("case transitioned",
		"case_id", caseID,
		"event", event,
		"status", projection.Status,
		"requires_human", projection.RequiresHuman,
		"transition_key", models.ShortKey(key))

	res.Projection = projection
	res.LedgerID = entry.ID
	return entry, nil
}

// apply writes the mutations in a fixed order: blanket flags first, then
// per-row patches so explicit mutations win, then the case row, then the
// followup schedule.
func (r *Resolver) apply(ctx context.Context, tx *sqlx.Tx, snap *models.CaseSnapshot, evctx caseevent.Context, m *caseevent.Mutations) error {
	caseID := snap.Case.ID

	if m.CancelOtherRuns {
		keep := make([]uuid.UUID, 0, len(m.Runs))
		for _, rm := range m.Runs {
			keep = append(keep, rm.RunID)
		}
		n, err := r.store.CancelActiveRunsExcept(ctx, tx, caseID, keep, "cancelled: sibling run claimed the case")
		if err != nil {
			return err
		}
		if n > 0 {
			r.logger.Warn("cancelled sibling active runs", "case_id", caseID, "count", n)
		}
	}

	if m.DismissAllProposals {
		if _, err := r.store.DismissActiveProposals(ctx, tx, caseID, models.ProposalStatusDismissed); err != nil {
			return err
		}
	}
	if m.DismissPortalProposals {
		if _, err := r.store.DismissPortalProposals(ctx, tx, caseID); err != nil {
			return err
		}
	}

	for _, rm := range m.Runs {
		if err := r.store.UpdateRun(ctx, tx, rm.RunID, rm.Patch); err != nil {
			return err
		}
	}
	for _, pm := range m.Proposals {
		if err := r.store.UpdateProposal(ctx, tx, pm.ProposalID, pm.Patch); err != nil {
			return err
		}
	}
	for _, tm := range m.PortalTasks {
		if err := r.store.UpdatePortalTask(ctx, tx, tm.TaskID, tm.Patch); err != nil {
			return err
		}
	}

	if err := r.store.UpdateCase(ctx, tx, caseID, m.Case); err != nil {
		return err
	}

	if m.Followup != nil {
		if err := r.store.UpdateFollowup(ctx, tx, caseID, *m.Followup); err != nil {
			return err
		}
	}

	return nil
}

// deriveKey hashes the event's identifying fields into the default
// transition token. Events carrying a natural token (scheduled keys,
// provider ids) set Context.TransitionKey upstream instead.
func deriveKey(caseID int64, event models.CaseEvent, evctx caseevent.Context) string {
	fields := make([]string, 0, 4)
	if evctx.RunID != nil {
		fields = append(fields, "run:"+evctx.RunID.String())
	}
	if evctx.ProposalID != nil {
		fields = append(fields, "proposal:"+evctx.ProposalID.String())
	}
	if evctx.ExecutionID != nil {
		fields = append(fields, "execution:"+evctx.ExecutionID.String())
	}
	if evctx.MessageID != nil {
		fields = append(fields, "message:"+evctx.MessageID.String())
	}
	if len(fields) == 0 {
		fields = append(fields, "at:"+evctx.Now.UTC().Format(time.RFC3339Nano))
	}
	return models.DeriveTransitionKey(caseID, event, fields...)
}

// validateTransition rejects status changes the case state machine
// forbids. Legality is about the case row only; run and proposal statuses
// are guarded by their own indexes.
func validateTransition(from models.CaseStatus, m *caseevent.Mutations, event models.CaseEvent) error {
	if m.Case.Status == nil {
		return nil
	}
	to := *m.Case.Status
	if to == from {
		return nil
	}

	// Terminal cases never come back.
	if from.Terminal() {
		return fmt.Errorf("%w: %s → %s on %s", ErrIllegalTransition, from, to, event)
	}

	// Completion requires the agency to have been heard from (or a human
	// verdict): a case that was merely sent cannot jump straight to
	// completed.
	if to == models.CaseStatusCompleted {
		switch from {
		case models.CaseStatusReadyToSend, models.CaseStatusSent:
			return fmt.Errorf("%w: %s → completed requires an intermediate response on %s",
				ErrIllegalTransition, from, event)
		}
	}

	// Nothing re-enters the pre-send state.
	if to == models.CaseStatusReadyToSend {
		return fmt.Errorf("%w: %s → ready_to_send on %s", ErrIllegalTransition, from, event)
	}

	return nil
}
