// Package events broadcasts committed ledger transitions over PostgreSQL
// NOTIFY so external consumers (dashboards, audit tails, sync workers) can
// follow case activity without polling the ledger table.
//
// Channels are hash-sharded by case id: a consumer that only cares about a
// slice of the caseload listens to a subset of shards. Payloads are capped
// below Postgres's 8000-byte NOTIFY limit; a truncated envelope keeps the
// routing fields and the consumer refetches the ledger row by id.
package events

import (
	"fmt"
	"time"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/models"
)

// ChannelPrefix is the shared prefix of all case event NOTIFY channels.
const ChannelPrefix = "case_events"

// ChannelFor returns the NOTIFY channel a case's events are published on.
// shards must match between publisher and listener.
func ChannelFor(caseID int64, shards int) string {
	if shards <= 0 {
		shards = 1
	}
	return fmt.Sprintf("%s:%d", ChannelPrefix, caseID%int64(shards))
}

// AllChannels enumerates every shard channel for a listener that wants the
// full stream.
func AllChannels(shards int) []string {
	if shards <= 0 {
		shards = 1
	}
	channels := make([]string, shards)
	for i := range channels {
		channels[i] = fmt.Sprintf("%s:%d", ChannelPrefix, i)
	}
	return channels
}

// Envelope is the JSON payload delivered via NOTIFY. When Truncated is set
// the Projection was dropped to fit the payload limit and the consumer
// should fetch the ledger row by LedgerID for the full record.
type Envelope struct {
	LedgerID      int64                 `json:"ledgerId"`
	CaseID        int64                 `json:"caseId"`
	Event         models.CaseEvent      `json:"event"`
	TransitionKey string                `json:"transitionKey"`
	Projection    *caseevent.Projection `json:"projection,omitempty"`
	Truncated     bool                  `json:"truncated,omitempty"`
	OccurredAt    time.Time             `json:"occurredAt"`
}

// Sink consumes envelopes received by the Listener. Implementations must be
// safe for calls from the single receive goroutine and should return quickly;
// slow handling belongs on the sink's own queue.
type Sink interface {
	HandleCaseEvent(envelope *Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(envelope *Envelope)

// HandleCaseEvent implements Sink.
func (f SinkFunc) HandleCaseEvent(envelope *Envelope) {
	f(envelope)
}
