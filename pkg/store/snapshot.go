package store

import (
	"context"
	"errors"

	"github.com/openrecords/docket/pkg/models"
)

// snapshotProposalWindow bounds how much proposal history the reducer sees.
// The active proposal is always within it; older rows are read-only history.
const snapshotProposalWindow = 20

// LoadSnapshot assembles the reducer's complete view of a case. With
// forUpdate the case row is locked for the rest of the transaction, making
// it the mutex for the whole transition.
func (s *Store) LoadSnapshot(ctx context.Context, q Queryer, caseID int64, forUpdate bool) (*models.CaseSnapshot, error) {
	var (
		c   *models.Case
		err error
	)
	if forUpdate {
		c, err = s.GetCaseForUpdate(ctx, q, caseID)
	} else {
		c, err = s.GetCase(ctx, q, caseID)
	}
	if err != nil {
		return nil, err
	}

	snap := &models.CaseSnapshot{Case: *c}

	run, err := s.GetActiveRunForCase(ctx, q, caseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	snap.ActiveRun = run

	proposals, err := s.ProposalsForCase(ctx, q, caseID, snapshotProposalWindow)
	if err != nil {
		return nil, err
	}
	snap.Proposals = proposals

	tasks, err := s.PortalTasksForCase(ctx, q, caseID)
	if err != nil {
		return nil, err
	}
	snap.PortalTasks = tasks

	followup, err := s.GetFollowup(ctx, q, caseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	snap.Followup = followup

	return snap, nil
}
