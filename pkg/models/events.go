package models

// CaseEvent names a runtime transition. The reducer in pkg/caseevent is
// total over this set; feeding it anything else is a programmer error and
// fails loudly.
type CaseEvent string

const (
	EventCaseSent               CaseEvent = "CASE_SENT"
	EventPortalStarted          CaseEvent = "PORTAL_STARTED"
	EventPortalCompleted        CaseEvent = "PORTAL_COMPLETED"
	EventPortalFailed           CaseEvent = "PORTAL_FAILED"
	EventPortalTimedOut         CaseEvent = "PORTAL_TIMED_OUT"
	EventPortalAborted          CaseEvent = "PORTAL_ABORTED"
	EventPortalTaskCreated      CaseEvent = "PORTAL_TASK_CREATED"
	EventPortalStuck            CaseEvent = "PORTAL_STUCK"
	EventEmailSent              CaseEvent = "EMAIL_SENT"
	EventEmailFailed            CaseEvent = "EMAIL_FAILED"
	EventFeeQuoteReceived       CaseEvent = "FEE_QUOTE_RECEIVED"
	EventAcknowledgmentReceived CaseEvent = "ACKNOWLEDGMENT_RECEIVED"
	EventCaseResponded          CaseEvent = "CASE_RESPONDED"
	EventCaseWrongAgency        CaseEvent = "CASE_WRONG_AGENCY"
	EventCaseEscalated          CaseEvent = "CASE_ESCALATED"
	EventCaseReconciled         CaseEvent = "CASE_RECONCILED"
	EventCaseCompleted          CaseEvent = "CASE_COMPLETED"
	EventCaseCancelled          CaseEvent = "CASE_CANCELLED"
	EventRunClaimed             CaseEvent = "RUN_CLAIMED"
	EventRunWaiting             CaseEvent = "RUN_WAITING"
	EventRunCompleted           CaseEvent = "RUN_COMPLETED"
	EventRunFailed              CaseEvent = "RUN_FAILED"
	EventRunStaleCleaned        CaseEvent = "RUN_STALE_CLEANED"
	EventProposalGated          CaseEvent = "PROPOSAL_GATED"
	EventProposalApproved       CaseEvent = "PROPOSAL_APPROVED"
	EventProposalDismissed      CaseEvent = "PROPOSAL_DISMISSED"
	EventProposalExecuted       CaseEvent = "PROPOSAL_EXECUTED"
	EventProposalBlocked        CaseEvent = "PROPOSAL_BLOCKED"
	EventProposalCancelled      CaseEvent = "PROPOSAL_CANCELLED"
	EventStaleFlagsCleared      CaseEvent = "STALE_FLAGS_CLEARED"
	EventStuckPortalTaskFailed  CaseEvent = "STUCK_PORTAL_TASK_FAILED"
	EventFollowupSent           CaseEvent = "FOLLOWUP_SENT"
	EventFollowupMaxReached     CaseEvent = "FOLLOWUP_MAX_REACHED"
	EventDeadlinePassed         CaseEvent = "DEADLINE_PASSED"
	EventPhoneEscalationQueued  CaseEvent = "PHONE_ESCALATION_QUEUED"
)
