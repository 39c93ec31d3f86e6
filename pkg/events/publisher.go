package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
)

// Publisher fans committed transitions out over NOTIFY. It subscribes to the
// transition resolver; a publish failure is logged and dropped, never
// propagated back into the transition (the ledger row is already committed
// and consumers can catch up from it).
type Publisher struct {
	db     *sqlx.DB
	cfg    *config.EventsConfig
	logger *slog.Logger
}

// NewPublisher builds a publisher over the given database handle.
func NewPublisher(db *sqlx.DB, cfg *config.EventsConfig) *Publisher {
	return &Publisher{
		db:     db,
		cfg:    cfg,
		logger: slog.With("component", "events"),
	}
}

// CaseTransitioned implements runtime.Subscriber.
func (p *Publisher) CaseTransitioned(ctx context.Context, entry *models.LedgerEntry, projection *caseevent.Projection) {
	channel := ChannelFor(entry.CaseID, p.cfg.Channels)
	payload, err := p.buildPayload(entry, projection)
	if err != nil {
		p.logger.Error("failed to build NOTIFY payload",
			"case_id", entry.CaseID, "ledger_id", entry.ID, "error", err)
		return
	}

	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		p.logger.Error("pg_notify failed",
			"channel", channel, "case_id", entry.CaseID, "ledger_id", entry.ID, "error", err)
		return
	}

	p.logger.Debug("published case event",
		"channel", channel, "case_id", entry.CaseID, "event", entry.Event, "ledger_id", entry.ID)
}

// buildPayload marshals the envelope, dropping the projection when the full
// form would exceed the NOTIFY payload limit.
func (p *Publisher) buildPayload(entry *models.LedgerEntry, projection *caseevent.Projection) (string, error) {
	envelope := Envelope{
		LedgerID:      entry.ID,
		CaseID:        entry.CaseID,
		Event:         entry.Event,
		TransitionKey: entry.TransitionKey,
		Projection:    projection,
		OccurredAt:    entry.CreatedAt,
	}

	full, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if len(full) <= p.cfg.MaxPayloadBytes {
		return string(full), nil
	}

	envelope.Projection = nil
	envelope.Truncated = true
	truncated, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal truncated envelope: %w", err)
	}
	return string(truncated), nil
}
