package executor

import (
	"context"
)

// SendRequest carries everything an email provider needs to put one message
// on the wire. Threading headers are prebuilt by the executor so providers
// stay transport-only.
type SendRequest struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
	// References is the space-separated RFC 5322 chain ending at the
	// message being replied to. Empty for a fresh thread.
	References string
}

// SendResult reports the identifiers of a delivered message. RFCMessageID is
// stored on the outbound row so the agency's reply threads back to the case.
type SendResult struct {
	ProviderMessageID string
	RFCMessageID      string
}

// Provider is an outbound email transport. From is recorded on the outbound
// message row so reply matching has the full envelope.
type Provider interface {
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
	From() string
}
