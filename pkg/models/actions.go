package models

// ActionTraits is the static per-action policy consulted by the pipeline's
// routing and gating nodes and by the executor when it picks a provider.
//
// RequiresDraft actions must carry LLM-drafted body text before gating.
// MayAutoExecute marks actions eligible to skip review in AUTO mode when the
// safety check passes; AlwaysGates overrides autopilot entirely. PauseReason
// is the default attached to the case when the action gates and the
// classifier supplied none.
type ActionTraits struct {
	RequiresDraft  bool
	MayAutoExecute bool
	AlwaysGates    bool
	PauseReason    PauseReason
	Provider       Provider
}

var actionTraits = map[ActionType]ActionTraits{
	ActionSendRebuttal: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseDenial,
		Provider:       ProviderEmail,
	},
	ActionAcceptFee: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseFeeQuote,
		Provider:       ProviderEmail,
	},
	ActionNegotiateFee: {
		RequiresDraft: true,
		AlwaysGates:   true,
		PauseReason:   PauseFeeQuote,
		Provider:      ProviderEmail,
	},
	ActionSendClarification: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseClarification,
		Provider:       ProviderEmail,
	},
	ActionSendFollowup: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseApproval,
		Provider:       ProviderEmail,
	},
	ActionSendInitialRequest: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseApproval,
		Provider:       ProviderEmail,
	},
	ActionRespondPartialApproval: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseApproval,
		Provider:       ProviderEmail,
	},
	ActionCloseCase: {
		// Closing is terminal and cheap to reverse only on paper; a human
		// confirms it even in AUTO mode.
		AlwaysGates: true,
		PauseReason: PauseApproval,
		Provider:    ProviderNone,
	},
	ActionResearchAgency: {
		MayAutoExecute: true,
		PauseReason:    PauseWrongAgency,
		Provider:       ProviderNone,
	},
	ActionReformulateRequest: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PauseApproval,
		Provider:       ProviderEmail,
	},
	ActionSubmitPortal: {
		RequiresDraft:  true,
		MayAutoExecute: true,
		PauseReason:    PausePortalTask,
		Provider:       ProviderPortal,
	},
	ActionEscalate: {
		AlwaysGates: true,
		PauseReason: PauseUnspecified,
		Provider:    ProviderNone,
	},
	ActionNone: {
		MayAutoExecute: true,
		Provider:       ProviderNone,
	},
}

// TraitsFor returns the policy row for an action. The second return is false
// for unknown actions so callers fail loudly instead of guessing.
func TraitsFor(a ActionType) (ActionTraits, bool) {
	t, ok := actionTraits[a]
	return t, ok
}

// Outbound reports whether executing the action leaves the system (email or
// portal submission) and therefore counts against the per-case rate limit.
func (t ActionTraits) Outbound() bool {
	return t.Provider == ProviderEmail || t.Provider == ProviderPortal
}
