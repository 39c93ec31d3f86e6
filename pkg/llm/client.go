package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/openrecords/docket/pkg/config"
)

// maxResponseBytes caps how much of a model response the client reads.
const maxResponseBytes = 1 << 20

// Client talks to an OpenAI-compatible chat completions endpoint. A
// circuit breaker fronts every call; while the breaker is open, calls fail
// fast and the pipeline degrades to the UNKNOWN classification.
type Client struct {
	baseURL         string
	apiKey          string
	classifierModel string
	drafterModel    string
	maxRetries      int
	httpClient      *http.Client
	breaker         *gobreaker.CircuitBreaker
	logger          *slog.Logger
}

// NewClient builds the HTTP adapter from config.
func NewClient(cfg *config.LLMConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		classifierModel: cfg.ClassifierModel,
		drafterModel:    cfg.DrafterModel,
		maxRetries:      cfg.MaxRetries,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		breaker:         breaker,
		logger:          slog.With("component", "llm"),
	}
}

// Classify implements Classifier.
func (c *Client) Classify(ctx context.Context, in ClassifyInput) (*Classification, error) {
	raw, err := c.complete(ctx, c.classifierModel, classifySystemPrompt, classifyPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("classify case %d: %w", in.CaseID, err)
	}

	var result Classification
	if err := json.Unmarshal(extractJSON(raw), &result); err != nil {
		return nil, fmt.Errorf("classify case %d: decode response: %w", in.CaseID, err)
	}
	if !result.Classification.Valid() {
		c.logger.Warn("classifier returned unrecognized label",
			"case_id", in.CaseID, "label", result.Classification)
		return nil, fmt.Errorf("classify case %d: unrecognized label %q", in.CaseID, result.Classification)
	}
	return &result, nil
}

// Draft implements Drafter.
func (c *Client) Draft(ctx context.Context, in DraftInput) (*Draft, error) {
	raw, err := c.complete(ctx, c.drafterModel, draftSystemPrompt, draftPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("draft %s for case %d: %w", in.Action, in.CaseID, err)
	}

	var result Draft
	if err := json.Unmarshal(extractJSON(raw), &result); err != nil {
		return nil, fmt.Errorf("draft %s for case %d: decode response: %w", in.Action, in.CaseID, err)
	}
	if result.Body == "" {
		return nil, fmt.Errorf("draft %s for case %d: empty body", in.Action, in.CaseID)
	}
	return &result, nil
}

// --- chat completions plumbing ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// complete runs one chat completion through the breaker, retrying
// transient failures. Context cancellation and an open breaker are never
// retried.
func (c *Client) complete(ctx context.Context, model, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		out, err := c.breaker.Execute(func() (any, error) {
			return c.completeOnce(ctx, model, system, user)
		})
		if err == nil {
			return out.(string), nil
		}
		lastErr = err
		if ctx.Err() != nil || err == gobreaker.ErrOpenState {
			return "", lastErr
		}
		c.logger.Warn("LLM call failed, retrying",
			"model", model, "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

func (c *Client) completeOnce(ctx context.Context, model, system, user string) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// extractJSON tolerates models that wrap their JSON in markdown fences.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return []byte(strings.TrimSpace(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
