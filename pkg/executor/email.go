package executor

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPOptions configures the SMTP email provider. Credentials come from the
// environment, the same way database credentials do.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// Addr returns the host:port dial target.
func (o SMTPOptions) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// LoadSMTPOptionsFromEnv loads SMTP settings from environment variables.
func LoadSMTPOptionsFromEnv() (SMTPOptions, error) {
	port, err := strconv.Atoi(envOrDefault("SMTP_PORT", "587"))
	if err != nil {
		return SMTPOptions{}, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	from := os.Getenv("SMTP_FROM")
	if from == "" {
		return SMTPOptions{}, fmt.Errorf("SMTP_FROM is required")
	}

	return SMTPOptions{
		Host:     envOrDefault("SMTP_HOST", "localhost"),
		Port:     port,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     from,
		FromName: envOrDefault("SMTP_FROM_NAME", "Records Request"),
	}, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// SMTPProvider sends mail over plain SMTP with STARTTLS negotiated by
// net/smtp when the server offers it.
type SMTPProvider struct {
	opts SMTPOptions
	now  func() time.Time
}

// NewSMTPProvider builds a provider from resolved options.
func NewSMTPProvider(opts SMTPOptions) *SMTPProvider {
	return &SMTPProvider{opts: opts, now: time.Now}
}

// From returns the configured sender address.
func (p *SMTPProvider) From() string {
	return p.opts.From
}

// Send delivers one message and returns its generated Message-ID. SMTP has
// no server-side identifier, so the provider id and the RFC id coincide.
func (p *SMTPProvider) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgID := newMessageID(p.opts.From)
	raw := buildMIME(p.opts, req, msgID, p.now())

	var auth smtp.Auth
	if p.opts.Username != "" {
		auth = smtp.PlainAuth("", p.opts.Username, p.opts.Password, p.opts.Host)
	}

	if err := smtp.SendMail(p.opts.Addr(), auth, p.opts.From, []string{req.To}, raw); err != nil {
		return nil, fmt.Errorf("smtp send to %s: %w", req.To, err)
	}

	return &SendResult{ProviderMessageID: msgID, RFCMessageID: msgID}, nil
}

// newMessageID mints an RFC 5322 Message-ID using the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// buildMIME renders the raw RFC 5322 message. Threading headers are set only
// when the request carries them so fresh threads stay clean.
func buildMIME(opts SMTPOptions, req *SendRequest, msgID string, now time.Time) []byte {
	var b strings.Builder

	writeHeader := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	from := opts.From
	if opts.FromName != "" {
		from = fmt.Sprintf("%s <%s>", opts.FromName, opts.From)
	}

	writeHeader("From", from)
	writeHeader("To", req.To)
	writeHeader("Subject", sanitizeHeader(req.Subject))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", msgID)
	if req.InReplyTo != "" {
		writeHeader("In-Reply-To", req.InReplyTo)
	}
	if req.References != "" {
		writeHeader("References", req.References)
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(req.Body)

	return []byte(b.String())
}

// sanitizeHeader strips CR and LF so draft text can never inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
