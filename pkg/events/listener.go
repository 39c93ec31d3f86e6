package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openrecords/docket/pkg/config"
)

const reconnectDelay = 2 * time.Second

// Listener holds a dedicated connection in LISTEN mode across every shard
// channel and feeds decoded envelopes to a sink. One goroutine owns the
// connection; pgx connections are not safe for concurrent use.
type Listener struct {
	connString string
	cfg        *config.EventsConfig
	sink       Sink
	logger     *slog.Logger

	mu     sync.Mutex
	conn   *pgx.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener builds a listener. Start must be called before envelopes flow.
func NewListener(connString string, cfg *config.EventsConfig, sink Sink) *Listener {
	return &Listener{
		connString: connString,
		cfg:        cfg,
		sink:       sink,
		logger:     slog.With("component", "events_listener"),
	}
}

// Start connects, subscribes to all shard channels, and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("event listener started", "channels", l.cfg.Channels)
	return nil
}

// Stop signals the receive loop to exit and closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close(context.Background())
	}
	l.logger.Info("event listener stopped")
}

// connect opens a fresh connection and issues LISTEN for every shard.
func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	for _, channel := range AllChannels(l.cfg.Channels) {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("LISTEN %s: %w", channel, err)
		}
	}
	return conn, nil
}

// receiveLoop is the sole goroutine touching the connection. On receive
// errors it reconnects; NOTIFY has no replay, so anything published while
// disconnected is only recoverable from the ledger table.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// dispatch decodes one payload and hands it to the sink.
func (l *Listener) dispatch(channel string, payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		l.logger.Error("malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}
	l.sink.HandleCaseEvent(&envelope)
}

// reconnect replaces a dead connection. It retries until it succeeds or the
// context is cancelled.
func (l *Listener) reconnect(ctx context.Context) {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			l.logger.Error("LISTEN reconnect failed", "error", err)
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.logger.Info("LISTEN connection re-established")
		return
	}
}

// LogSink writes every envelope to the structured log. It is the default
// sink when no external consumer is wired in.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds the default sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.With("component", "events_sink")}
}

// HandleCaseEvent implements Sink.
func (s *LogSink) HandleCaseEvent(envelope *Envelope) {
	s.logger.Info("case event",
		"case_id", envelope.CaseID,
		"event", envelope.Event,
		"ledger_id", envelope.LedgerID,
		"truncated", envelope.Truncated)
}
