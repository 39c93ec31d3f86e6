package models

// CaseStatus is the lifecycle state of a records-request case. The reducer
// in pkg/caseevent is the only component that assigns new statuses; every
// other package treats these values as read-only.
type CaseStatus string

const (
	CaseStatusReadyToSend       CaseStatus = "ready_to_send"
	CaseStatusPortalInProgress  CaseStatus = "portal_in_progress"
	CaseStatusSent              CaseStatus = "sent"
	CaseStatusAwaitingResponse  CaseStatus = "awaiting_response"
	CaseStatusResponded         CaseStatus = "responded"
	CaseStatusNeedsHumanReview  CaseStatus = "needs_human_review"
	CaseStatusNeedsFeeApproval  CaseStatus = "needs_human_fee_approval"
	CaseStatusNeedsContactInfo  CaseStatus = "needs_contact_info"
	CaseStatusNeedsPhoneCall    CaseStatus = "needs_phone_call"
	CaseStatusCompleted         CaseStatus = "completed"
	CaseStatusCancelled         CaseStatus = "cancelled"
)

// ReviewSet reports whether the status parks the case on a human.
func (s CaseStatus) ReviewSet() bool {
	switch s {
	case CaseStatusNeedsHumanReview, CaseStatusNeedsFeeApproval,
		CaseStatusNeedsContactInfo, CaseStatusNeedsPhoneCall:
		return true
	}
	return false
}

// Terminal reports whether no further automated work may happen on the case.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusCancelled
}

func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusReadyToSend, CaseStatusPortalInProgress, CaseStatusSent,
		CaseStatusAwaitingResponse, CaseStatusResponded,
		CaseStatusNeedsHumanReview, CaseStatusNeedsFeeApproval,
		CaseStatusNeedsContactInfo, CaseStatusNeedsPhoneCall,
		CaseStatusCompleted, CaseStatusCancelled:
		return true
	}
	return false
}

// AutopilotMode controls how much a case may do without a human.
type AutopilotMode string

const (
	// AutopilotAuto permits auto-execution of any eligible action.
	AutopilotAuto AutopilotMode = "AUTO"
	// AutopilotSupervised gates everything not on the auto-allowlist.
	AutopilotSupervised AutopilotMode = "SUPERVISED"
	// AutopilotManual gates every action.
	AutopilotManual AutopilotMode = "MANUAL"
)

func (m AutopilotMode) Valid() bool {
	return m == AutopilotAuto || m == AutopilotSupervised || m == AutopilotManual
}

// RunStatus is the lifecycle of a single pipeline run over a case.
type RunStatus string

const (
	RunStatusCreated       RunStatus = "created"
	RunStatusQueued        RunStatus = "queued"
	RunStatusProcessing    RunStatus = "processing"
	RunStatusRunning       RunStatus = "running"
	RunStatusPaused        RunStatus = "paused"
	RunStatusWaiting       RunStatus = "waiting"
	RunStatusGated         RunStatus = "gated"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusSkippedLocked RunStatus = "skipped_locked"
)

// Active reports whether the run still holds the per-case single-flight
// slot. Paused and waiting runs stay active so a second run cannot start
// underneath a pending human decision or portal task.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusCreated, RunStatusQueued, RunStatusProcessing,
		RunStatusRunning, RunStatusPaused, RunStatusWaiting, RunStatusGated:
		return true
	}
	return false
}

// Terminal reports whether the run has released its slot for good.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSkippedLocked
}

// ActiveRunStatuses is the set used by SQL predicates enforcing the
// one-active-run-per-case invariant. Keep in sync with RunStatus.Active.
var ActiveRunStatuses = []RunStatus{
	RunStatusCreated, RunStatusQueued, RunStatusProcessing,
	RunStatusRunning, RunStatusPaused, RunStatusWaiting, RunStatusGated,
}

// TriggerType says why a run was dispatched.
type TriggerType string

const (
	TriggerInitialRequest     TriggerType = "initial_request"
	TriggerInboundMessage     TriggerType = "inbound_message"
	TriggerFollowup           TriggerType = "followup_trigger"
	TriggerResume             TriggerType = "resume"
	TriggerDeadlineEscalation TriggerType = "deadline_escalation"
	TriggerManual             TriggerType = "manual"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerInitialRequest, TriggerInboundMessage, TriggerFollowup,
		TriggerResume, TriggerDeadlineEscalation, TriggerManual:
		return true
	}
	return false
}

// ActionType enumerates everything the pipeline can decide to do next.
type ActionType string

const (
	ActionSendRebuttal           ActionType = "SEND_REBUTTAL"
	ActionAcceptFee              ActionType = "ACCEPT_FEE"
	ActionNegotiateFee           ActionType = "NEGOTIATE_FEE"
	ActionSendClarification      ActionType = "SEND_CLARIFICATION"
	ActionSendFollowup           ActionType = "SEND_FOLLOWUP"
	ActionSendInitialRequest     ActionType = "SEND_INITIAL_REQUEST"
	ActionRespondPartialApproval ActionType = "RESPOND_PARTIAL_APPROVAL"
	ActionCloseCase              ActionType = "CLOSE_CASE"
	ActionResearchAgency         ActionType = "RESEARCH_AGENCY"
	ActionReformulateRequest     ActionType = "REFORMULATE_REQUEST"
	ActionSubmitPortal           ActionType = "SUBMIT_PORTAL"
	ActionEscalate               ActionType = "ESCALATE"
	ActionNone                   ActionType = "NONE"
)

func (a ActionType) Valid() bool {
	_, ok := actionTraits[a]
	return ok
}

// Classification is the pipeline's reading of an inbound agency message.
type Classification string

const (
	ClassAcknowledgment   Classification = "ACKNOWLEDGMENT"
	ClassRecordsReady     Classification = "RECORDS_READY"
	ClassDelivery         Classification = "DELIVERY"
	ClassPartialApproval  Classification = "PARTIAL_APPROVAL"
	ClassFeeQuote         Classification = "FEE_QUOTE"
	ClassDenial           Classification = "DENIAL"
	ClassClarificationReq Classification = "CLARIFICATION_REQUEST"
	ClassPortalRedirect   Classification = "PORTAL_REDIRECT"
	ClassWrongAgency      Classification = "WRONG_AGENCY"
	ClassHostile          Classification = "HOSTILE"
	ClassNoResponse       Classification = "NO_RESPONSE"
	ClassUnknown          Classification = "UNKNOWN"
)

func (c Classification) Valid() bool {
	switch c {
	case ClassAcknowledgment, ClassRecordsReady, ClassDelivery,
		ClassPartialApproval, ClassFeeQuote, ClassDenial, ClassClarificationReq,
		ClassPortalRedirect, ClassWrongAgency, ClassHostile, ClassNoResponse,
		ClassUnknown:
		return true
	}
	return false
}

// DenialSubtype refines a DENIAL classification for the routing rules.
type DenialSubtype string

const (
	DenialNoRecords            DenialSubtype = "no_records"
	DenialWrongAgency          DenialSubtype = "wrong_agency"
	DenialOverlyBroad          DenialSubtype = "overly_broad"
	DenialExcessiveFees        DenialSubtype = "excessive_fees"
	DenialRetentionExpired     DenialSubtype = "retention_expired"
	DenialOngoingInvestigation DenialSubtype = "ongoing_investigation"
	DenialPrivacyExemption     DenialSubtype = "privacy_exemption"
)

// ProposalStatus tracks a decision artifact through gating and execution.
type ProposalStatus string

const (
	ProposalStatusDraft            ProposalStatus = "DRAFT"
	ProposalStatusPendingApproval  ProposalStatus = "PENDING_APPROVAL"
	ProposalStatusApproved         ProposalStatus = "APPROVED"
	ProposalStatusDecisionReceived ProposalStatus = "DECISION_RECEIVED"
	ProposalStatusPendingPortal    ProposalStatus = "PENDING_PORTAL"
	ProposalStatusBlocked          ProposalStatus = "BLOCKED"
	ProposalStatusExecuted         ProposalStatus = "EXECUTED"
	ProposalStatusDismissed        ProposalStatus = "DISMISSED"
	ProposalStatusSuperseded       ProposalStatus = "SUPERSEDED"
	ProposalStatusFailed           ProposalStatus = "FAILED"
)

// Active reports whether the proposal occupies the one-active-per-case slot.
func (s ProposalStatus) Active() bool {
	switch s {
	case ProposalStatusPendingApproval, ProposalStatusBlocked,
		ProposalStatusDecisionReceived, ProposalStatusPendingPortal:
		return true
	}
	return false
}

// ActiveProposalStatuses is the SQL-side twin of ProposalStatus.Active.
var ActiveProposalStatuses = []ProposalStatus{
	ProposalStatusPendingApproval, ProposalStatusBlocked,
	ProposalStatusDecisionReceived, ProposalStatusPendingPortal,
}

// DecisionAction is what a human reviewer did with a pending proposal.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "APPROVE"
	DecisionAdjust  DecisionAction = "ADJUST"
	DecisionDismiss DecisionAction = "DISMISS"
)

func (d DecisionAction) Valid() bool {
	return d == DecisionApprove || d == DecisionAdjust || d == DecisionDismiss
}

// ExecutionStatus is the outcome of one side-effect attempt.
type ExecutionStatus string

const (
	ExecutionStatusQueued       ExecutionStatus = "QUEUED"
	ExecutionStatusSent         ExecutionStatus = "SENT"
	ExecutionStatusSkipped      ExecutionStatus = "SKIPPED"
	ExecutionStatusFailed       ExecutionStatus = "FAILED"
	ExecutionStatusPendingHuman ExecutionStatus = "PENDING_HUMAN"
)

// Provider names a side-effect transport.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderPortal Provider = "portal"
	ProviderNone   Provider = "none"
)

// PortalTaskStatus is the lifecycle of a manual portal work item.
type PortalTaskStatus string

const (
	PortalTaskPending   PortalTaskStatus = "PENDING"
	PortalTaskClaimed   PortalTaskStatus = "CLAIMED"
	PortalTaskCompleted PortalTaskStatus = "COMPLETED"
	PortalTaskStuck     PortalTaskStatus = "STUCK"
	PortalTaskCancelled PortalTaskStatus = "CANCELLED"
)

// FollowupStatus is the state of the per-case follow-up schedule row.
type FollowupStatus string

const (
	FollowupScheduled  FollowupStatus = "scheduled"
	FollowupProcessing FollowupStatus = "processing"
	FollowupSent       FollowupStatus = "sent"
	FollowupPaused     FollowupStatus = "paused"
	FollowupMaxReached FollowupStatus = "max_reached"
	FollowupCancelled  FollowupStatus = "cancelled"
	FollowupFailed     FollowupStatus = "failed"
)

// PauseReason labels why a case entered the review set. It drives review-UI
// grouping and the cron escalation sweeps.
type PauseReason string

const (
	PauseUnspecified    PauseReason = "UNSPECIFIED"
	PauseApproval       PauseReason = "APPROVAL"
	PauseDenial         PauseReason = "DENIAL"
	PauseFeeQuote       PauseReason = "FEE_QUOTE"
	PausePortalTask     PauseReason = "PORTAL_TASK"
	PauseWrongAgency    PauseReason = "WRONG_AGENCY"
	PauseHostile        PauseReason = "HOSTILE"
	PauseClarification  PauseReason = "CLARIFICATION"
	PauseNoContactInfo  PauseReason = "NO_CONTACT_INFO"
	PausePhoneCall      PauseReason = "PHONE_CALL"
	PauseRunFailure     PauseReason = "RUN_FAILURE"
	PauseUnknownInbound PauseReason = "UNKNOWN_INBOUND"
)

// Direction distinguishes message provenance.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SubmissionChannel is how a case reaches its agency.
type SubmissionChannel string

const (
	ChannelEmail  SubmissionChannel = "email"
	ChannelPortal SubmissionChannel = "portal"
	ChannelBoth   SubmissionChannel = "both"
	ChannelManual SubmissionChannel = "manual"
)

func (c SubmissionChannel) Valid() bool {
	return c == ChannelEmail || c == ChannelPortal || c == ChannelBoth || c == ChannelManual
}

// DispatchOutcome is the run engine's answer to a dispatch request.
type DispatchOutcome string

const (
	OutcomeDispatched      DispatchOutcome = "dispatched"
	OutcomeSkippedLocked   DispatchOutcome = "skipped_locked"
	OutcomeCaseNotFound    DispatchOutcome = "case_not_found"
	OutcomeAlreadySent     DispatchOutcome = "already_sent"
	OutcomeActiveRunExists DispatchOutcome = "active_run_exists"
)
