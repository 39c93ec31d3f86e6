package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The four idempotency token families. They are deliberately orthogonal:
// transition keys make reducer applications replayable, proposal keys dedup
// drafts across retried runs, execution keys make side effects at-most-once,
// and scheduled keys collapse repeated timer fires. Tokens are always
// written before the work they guard.

// DeriveTransitionKey hashes the identifying fields of a transition into a
// stable token. Callers that already have a natural token (scheduled_key,
// provider message id) pass it through Context.TransitionKey instead.
func DeriveTransitionKey(caseID int64, event CaseEvent, fields ...string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x1f%s", caseID, event)
	for _, f := range fields {
		h.Write([]byte{0x1f})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildProposalKey is the deterministic dedup token for a draft:
// {case}:{trigger_message}:{action_type}:{attempt}. Runs retried for the
// same stimulus land on the same proposal row.
func BuildProposalKey(caseID int64, triggerMessageID *uuid.UUID, action ActionType, attempt int) string {
	trigger := "none"
	if triggerMessageID != nil {
		trigger = triggerMessageID.String()
	}
	return fmt.Sprintf("%d:%s:%s:%d", caseID, trigger, action, attempt)
}

// BuildExecutionKey is the at-most-once token claimed on a proposal before
// any side effect starts.
func BuildExecutionKey(proposalID uuid.UUID) string {
	return "exec:" + proposalID.String()
}

// BuildScheduledKey is the idempotency token attached to a timer-fired
// followup run: followup:{caseId}:{followup_count}:{date}.
func BuildScheduledKey(caseID int64, followupCount int, date time.Time) string {
	return fmt.Sprintf("followup:%d:%d:%s", caseID, followupCount, date.UTC().Format("2006-01-02"))
}

// BuildDeadlineKey tokens a deadline-escalation dispatch so the daily sweep
// fires once per case per day.
func BuildDeadlineKey(caseID int64, date time.Time) string {
	return fmt.Sprintf("deadline:%d:%s", caseID, date.UTC().Format("2006-01-02"))
}

// BuildPhoneEscalationKey tokens the phone-queue handoff so the daily
// sweep enqueues a case at most once per day.
func BuildPhoneEscalationKey(caseID int64, date time.Time) string {
	return fmt.Sprintf("phone:%d:%s", caseID, date.UTC().Format("2006-01-02"))
}

// ShortKey abbreviates a token for log lines.
func ShortKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	if i := strings.IndexByte(key, ':'); i > 0 && i < 12 {
		return key[:i] + ":" + key[i+1:min(i+9, len(key))] + "…"
	}
	return key[:16] + "…"
}
