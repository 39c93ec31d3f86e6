package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one inbound or outbound communication on a case. Thread
// affiliation is carried in the RFC-5322 header columns; inbound dedup keys
// on ProviderMessageID.
type Message struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	CaseID            int64      `db:"case_id" json:"caseId"`
	Direction         Direction  `db:"direction" json:"direction"`
	ProviderMessageID *string    `db:"provider_message_id" json:"providerMessageId,omitempty"`
	RFCMessageID      *string    `db:"rfc_message_id" json:"rfcMessageId,omitempty"`
	InReplyTo         *string    `db:"in_reply_to" json:"inReplyTo,omitempty"`
	ReferencesHeader  *string    `db:"references_header" json:"referencesHeader,omitempty"`
	FromAddr          string     `db:"from_addr" json:"from"`
	ToAddr            string     `db:"to_addr" json:"to"`
	Subject           string     `db:"subject" json:"subject"`
	Body              string     `db:"body" json:"body"`
	ReceivedAt        *time.Time `db:"received_at" json:"receivedAt,omitempty"`
	ProcessedAt       *time.Time `db:"processed_at" json:"processedAt,omitempty"`
	ProcessedRunID    *uuid.UUID `db:"processed_run_id" json:"processedRunId,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
}
