// Package pipeline is the decision engine: a directed graph of nodes that
// takes a case snapshot plus a stimulus and ends in either an executed
// action, a gated proposal awaiting a human, or a clean no-op completion.
// Node order is fixed; only load_context, classify_inbound, draft_response,
// execute_action, and commit_state touch the outside world.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// Node names, in declared execution order.
const (
	nodeLoadContext       = "load_context"
	nodeClassifyInbound   = "classify_inbound"
	nodeUpdateConstraints = "update_constraints"
	nodeDecideNextAction  = "decide_next_action"
	nodeDraftResponse     = "draft_response"
	nodeSafetyCheck       = "safety_check"
	nodeGateOrExecute     = "gate_or_execute"
	nodeExecuteAction     = "execute_action"
	nodeCommitState       = "commit_state"
	nodeDone              = ""
)

// ErrNoDecisionToResume indicates a resume run found no decided proposal to
// pick up; the human decision and the run raced, or the proposal was
// superseded.
var ErrNoDecisionToResume = errors.New("no decided proposal to resume")

// Executor performs the side effect for a proposal whose action reaches
// execute_action. Implementations own the execution-key claim, retries,
// rate limiting, and the resulting runtime transitions; the returned
// execution row tells the pipeline how things ended.
type Executor interface {
	Execute(ctx context.Context, run *models.Run, prop *models.Proposal) (*models.Execution, error)
}

// nodeFunc advances the pipeline by one node: it returns its state delta
// and the name of the next node, or nodeDone to stop.
type nodeFunc func(ctx context.Context, env *runEnv, st State) (Delta, string, error)

// runEnv is the per-run scratch that is not part of the checkpointed
// state: loaded rows and derived context.
type runEnv struct {
	run            *models.Run
	snap           *models.CaseSnapshot
	trigger        *models.Message
	correspondence []string

	// proposal is the checkpointed artifact a resume run picked up.
	proposal *models.Proposal
}

// Pipeline wires the decision graph to its collaborators.
type Pipeline struct {
	store    *store.Store
	resolver *runtime.Resolver
	llm      llm.Service
	exec     Executor
	cfg      *config.Config
	nodes    map[string]nodeFunc
	logger   *slog.Logger
}

// New builds a Pipeline. All collaborators are required.
func New(st *store.Store, res *runtime.Resolver, svc llm.Service, exec Executor, cfg *config.Config) *Pipeline {
	p := &Pipeline{
		store:    st,
		resolver: res,
		llm:      svc,
		exec:     exec,
		cfg:      cfg,
		logger:   slog.With("component", "pipeline"),
	}
	p.nodes = map[string]nodeFunc{
		nodeLoadContext:       p.loadContext,
		nodeClassifyInbound:   p.classifyInbound,
		nodeUpdateConstraints: p.updateConstraints,
		nodeDecideNextAction:  p.decideNextAction,
		nodeDraftResponse:     p.draftResponse,
		nodeSafetyCheck:       p.safetyCheck,
		nodeGateOrExecute:     p.gateOrExecute,
		nodeExecuteAction:     p.executeAction,
		nodeCommitState:       p.commitState,
	}
	return p
}

// Run executes the pipeline for one claimed run. A returned error means the
// run failed and the engine must emit RUN_FAILED; a nil error means the run
// reached a settled end (completed, gated, or waiting) and the terminal
// transitions have already been committed.
func (p *Pipeline) Run(ctx context.Context, run *models.Run) (State, error) {
	st := State{
		CaseID:           run.CaseID,
		RunID:            run.ID,
		TriggerType:      run.TriggerType,
		TriggerMessageID: run.TriggerMessageID,
		AutopilotMode:    run.AutopilotMode,
	}
	env := &runEnv{run: run}

	entry := nodeLoadContext
	if run.TriggerType == models.TriggerResume {
		var err error
		st, entry, err = p.seedResume(ctx, env, run)
		if err != nil {
			return st, err
		}
	}
	return p.execute(ctx, env, st, entry)
}

// execute is the node loop. Each node gets the hard deadline as its
// context budget; exceeding the soft deadline only logs.
func (p *Pipeline) execute(ctx context.Context, env *runEnv, st State, node string) (State, error) {
	for node != nodeDone {
		fn, ok := p.nodes[node]
		if !ok {
			return st, fmt.Errorf("pipeline: unknown node %q", node)
		}

		nctx := ctx
		cancel := func() {}
		if p.cfg.Engine.NodeHardDeadline > 0 {
			nctx, cancel = context.WithTimeout(ctx, p.cfg.Engine.NodeHardDeadline)
		}
		start := time.Now()
		delta, next, err := fn(nctx, env, st)
		cancel()

		elapsed := time.Since(start)
		if p.cfg.Engine.NodeSoftDeadline > 0 && elapsed > p.cfg.Engine.NodeSoftDeadline {
			p.logger.Warn("pipeline node exceeded soft deadline",
				"node", node, "elapsed", elapsed, "run_id", st.RunID, "case_id", st.CaseID)
		}
		if err != nil {
			return st, fmt.Errorf("node %s: %w", node, err)
		}

		st = Merge(st, delta)
		p.logger.Debug("pipeline node done",
			"node", node, "next", next, "elapsed", elapsed, "run_id", st.RunID)
		node = next
	}
	return st, nil
}

// seedResume rehydrates the checkpointed state from the decided proposal
// and picks the re-entry node from the reviewer's verdict: APPROVE goes
// straight to execution, ADJUST redrafts, DISMISS commits a no-op.
func (p *Pipeline) seedResume(ctx context.Context, env *runEnv, run *models.Run) (State, string, error) {
	var st State

	snap, err := p.store.LoadSnapshot(ctx, p.store.DB(), run.CaseID, false)
	if err != nil {
		return st, "", fmt.Errorf("resume: load snapshot: %w", err)
	}
	env.snap = snap

	prop := snap.ActiveProposal()
	if prop == nil || prop.Status != models.ProposalStatusDecisionReceived || prop.HumanDecision == nil {
		return st, "", fmt.Errorf("%w: case %d", ErrNoDecisionToResume, run.CaseID)
	}
	env.proposal = prop

	st, err = Rehydrate(prop.PipelineState)
	if err != nil {
		return st, "", err
	}
	st.RunID = run.ID
	st.AutopilotMode = run.AutopilotMode

	if st.TriggerMessageID != nil {
		if msg, merr := p.store.GetMessage(ctx, p.store.DB(), *st.TriggerMessageID); merr == nil {
			env.trigger = msg
		}
	}

	decision := prop.HumanDecision
	switch decision.Action {
	case models.DecisionApprove:
		st.Logs = append(st.Logs, "resume: decision APPROVE, executing proposal")
		return st, nodeExecuteAction, nil

	case models.DecisionAdjust:
		st.Instruction = decision.Instruction
		st.Gated = false
		st.RiskFlags = nil
		st.Warnings = nil
		st.Logs = append(st.Logs, "resume: decision ADJUST, redrafting")
		return st, nodeDraftResponse, nil

	case models.DecisionDismiss:
		st.DismissProposal = true
		st.Action = models.ActionNone
		st.Gated = false
		st.Logs = append(st.Logs, "resume: decision DISMISS, closing out")
		return st, nodeCommitState, nil
	}
	return st, "", fmt.Errorf("resume: unknown decision action %q", decision.Action)
}
