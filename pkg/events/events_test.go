package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrecords/docket/pkg/caseevent"
	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
)

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "case_events:0", ChannelFor(0, 16))
	assert.Equal(t, "case_events:7", ChannelFor(7, 16))
	assert.Equal(t, "case_events:1", ChannelFor(17, 16))
	// Degenerate shard counts collapse to a single channel.
	assert.Equal(t, "case_events:0", ChannelFor(42, 0))
}

func TestChannelForIsStable(t *testing.T) {
	// The same case always lands on the same shard.
	for i := 0; i < 10; i++ {
		assert.Equal(t, ChannelFor(12345, 16), ChannelFor(12345, 16))
	}
}

func TestAllChannels(t *testing.T) {
	channels := AllChannels(4)
	require.Len(t, channels, 4)
	assert.Equal(t, "case_events:0", channels[0])
	assert.Equal(t, "case_events:3", channels[3])

	assert.Len(t, AllChannels(0), 1)
}

func TestBuildPayloadCarriesProjection(t *testing.T) {
	p := NewPublisher(nil, config.DefaultEventsConfig())
	entry := &models.LedgerEntry{
		ID:            91,
		CaseID:        12,
		Event:         models.EventEmailSent,
		TransitionKey: "exec:abc",
		CreatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	projection := &caseevent.Projection{
		CaseID: 12,
		Event:  models.EventEmailSent,
		Status: models.CaseStatusSent,
	}

	payload, err := p.buildPayload(entry, projection)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(payload), &envelope))
	assert.Equal(t, int64(91), envelope.LedgerID)
	assert.Equal(t, int64(12), envelope.CaseID)
	assert.Equal(t, models.EventEmailSent, envelope.Event)
	assert.False(t, envelope.Truncated)
	require.NotNil(t, envelope.Projection)
	assert.Equal(t, models.CaseStatusSent, envelope.Projection.Status)
}

func TestBuildPayloadTruncatesOversizedProjection(t *testing.T) {
	cfg := &config.EventsConfig{Channels: 16, MaxPayloadBytes: 200}
	p := NewPublisher(nil, cfg)

	bigSubstatus := strings.Repeat("x", 500)
	entry := &models.LedgerEntry{
		ID:            7,
		CaseID:        3,
		Event:         models.EventRunClaimed,
		TransitionKey: "k",
		CreatedAt:     time.Now().UTC(),
	}
	projection := &caseevent.Projection{
		CaseID:    3,
		Event:     models.EventRunClaimed,
		Status:    models.CaseStatusReadyToSend,
		Substatus: &bigSubstatus,
	}

	payload, err := p.buildPayload(entry, projection)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), cfg.MaxPayloadBytes)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(payload), &envelope))
	assert.True(t, envelope.Truncated)
	assert.Nil(t, envelope.Projection)
	// Routing fields survive truncation so the consumer can refetch.
	assert.Equal(t, int64(7), envelope.LedgerID)
	assert.Equal(t, int64(3), envelope.CaseID)
}

func TestDispatchDecodesEnvelope(t *testing.T) {
	var received *Envelope
	l := NewListener("", config.DefaultEventsConfig(), SinkFunc(func(e *Envelope) {
		received = e
	}))

	l.dispatch("case_events:2", []byte(`{"ledgerId":5,"caseId":2,"event":"EMAIL_SENT","transitionKey":"tk","occurredAt":"2025-06-01T00:00:00Z"}`))

	require.NotNil(t, received)
	assert.Equal(t, int64(5), received.LedgerID)
	assert.Equal(t, models.EventEmailSent, received.Event)
}

func TestDispatchIgnoresMalformedPayload(t *testing.T) {
	called := false
	l := NewListener("", config.DefaultEventsConfig(), SinkFunc(func(*Envelope) {
		called = true
	}))

	l.dispatch("case_events:0", []byte("not json"))
	assert.False(t, called)
}
