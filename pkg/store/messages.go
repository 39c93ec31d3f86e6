package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/docket/pkg/models"
)

const messageColumns = `id, case_id, direction, provider_message_id,
	rfc_message_id, in_reply_to, references_header, from_addr, to_addr,
	subject, body, received_at, processed_at, processed_run_id, created_at`

// NewMessage is the insert payload for a communication row.
type NewMessage struct {
	CaseID            int64
	Direction         models.Direction
	ProviderMessageID *string
	RFCMessageID      *string
	InReplyTo         *string
	ReferencesHeader  *string
	FromAddr          string
	ToAddr            string
	Subject           string
	Body              string
	ReceivedAt        *time.Time
}

// InsertMessage stores a message. For inbound messages carrying a provider
// message id the insert dedups on the partial unique index: a redelivered
// webhook lands on the existing row and created comes back false.
func (s *Store) InsertMessage(ctx context.Context, q Queryer, nm NewMessage) (*models.Message, bool, error) {
	var m models.Message
	err := sqlxGet(ctx, q, &m, `
		INSERT INTO messages (
			case_id, direction, provider_message_id, rfc_message_id,
			in_reply_to, references_header, from_addr, to_addr,
			subject, body, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+messageColumns,
		nm.CaseID, nm.Direction, nm.ProviderMessageID, nm.RFCMessageID,
		nm.InReplyTo, nm.ReferencesHeader, nm.FromAddr, nm.ToAddr,
		nm.Subject, nm.Body, nm.ReceivedAt)
	if err == nil {
		return &m, true, nil
	}
	if !isUniqueViolation(err, "messages_provider_id_key") {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	// Redelivery: hand back the row the first delivery created.
	existing, lookupErr := s.GetMessageByProviderID(ctx, q, *nm.ProviderMessageID)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	return existing, false, nil
}

// GetMessage loads one message.
func (s *Store) GetMessage(ctx context.Context, q Queryer, id uuid.UUID) (*models.Message, error) {
	var m models.Message
	err := sqlxGet(ctx, q, &m,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("message %s", id))
	}
	return &m, nil
}

// GetMessageByProviderID loads the message a provider id dedups onto.
func (s *Store) GetMessageByProviderID(ctx context.Context, q Queryer, providerID string) (*models.Message, error) {
	var m models.Message
	err := sqlxGet(ctx, q, &m,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("message provider id %q", providerID))
	}
	return &m, nil
}

// ListMessagesForCase returns the case's correspondence, oldest first.
func (s *Store) ListMessagesForCase(ctx context.Context, q Queryer, caseID int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []models.Message
	err := sqlxSelect(ctx, q, &msgs, fmt.Sprintf(
		`SELECT %s FROM messages WHERE case_id = $1 ORDER BY created_at, id LIMIT %d`,
		messageColumns, limit), caseID)
	if err != nil {
		return nil, fmt.Errorf("list messages for case %d: %w", caseID, err)
	}
	return msgs, nil
}

// MarkMessageProcessed records which run consumed an inbound message.
func (s *Store) MarkMessageProcessed(ctx context.Context, q Queryer, id uuid.UUID, runID uuid.UUID, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE messages SET processed_at = $2, processed_run_id = $3
		WHERE id = $1 AND processed_at IS NULL`, id, at, runID)
	if err != nil {
		return fmt.Errorf("mark message %s processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already processed or missing; both are fine for a retried run.
		return nil
	}
	return nil
}

// LatestOutboundMessage returns the newest outbound message on the case, or
// ErrNotFound. The executor threads replies off its RFC-5322 headers.
func (s *Store) LatestOutboundMessage(ctx context.Context, q Queryer, caseID int64) (*models.Message, error) {
	var m models.Message
	err := sqlxGet(ctx, q, &m, `
		SELECT `+messageColumns+` FROM messages
		WHERE case_id = $1 AND direction = 'outbound'
		ORDER BY created_at DESC, id DESC LIMIT 1`, caseID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("outbound message for case %d", caseID))
	}
	return &m, nil
}

// FindCaseByThread resolves an inbound message to a case. RFC-5322 headers
// win: an In-Reply-To or References hit on a stored message id pins the
// thread. The fallback matches the sender address against active cases'
// agency email.
func (s *Store) FindCaseByThread(ctx context.Context, q Queryer, inReplyTo, references []string, fromAddr string) (int64, error) {
	refs := make([]string, 0, len(inReplyTo)+len(references))
	refs = append(refs, inReplyTo...)
	refs = append(refs, references...)
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		var caseID int64
		err := sqlxGet(ctx, q, &caseID, `
			SELECT case_id FROM messages
			WHERE rfc_message_id = $1
			ORDER BY created_at DESC LIMIT 1`, ref)
		if err == nil {
			return caseID, nil
		}
	}

	if fromAddr != "" {
		var caseID int64
		err := sqlxGet(ctx, q, &caseID, `
			SELECT id FROM cases
			WHERE lower(agency_email) = lower($1)
			  AND status NOT IN ('completed', 'cancelled')
			ORDER BY created_at DESC LIMIT 1`, fromAddr)
		if err == nil {
			return caseID, nil
		}
	}

	return 0, fmt.Errorf("thread for sender %q: %w", fromAddr, ErrNotFound)
}
