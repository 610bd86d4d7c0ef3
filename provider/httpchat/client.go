// Package httpchat implements provider.Client against an OpenAI-compatible
// chat-completions endpoint. Only the latest user message is sent; the
// serving node reloads conversation context from the conversation ID.
package httpchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/omnigate/steward/provider"
)

// DefaultTimeout bounds a single downstream call. There is no proactive
// cancellation: an in-flight call runs until this elapses.
const DefaultTimeout = 120 * time.Second

// Compile-time interface check.
var _ provider.Client = (*Client)(nil)

// Client calls an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	url     string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Its Timeout is respected.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithTimeout sets the per-call timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpc.Timeout = d }
}

// WithRateLimit throttles outbound calls. Zero limit means unlimited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(limit, burst) }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the given chat-completions URL.
func New(url string, opts ...Option) *Client {
	cl := &Client{
		url:    url,
		httpc:  &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the single response text.
func (cl *Client) Complete(ctx context.Context, req *provider.Request) (string, error) {
	if cl.limiter != nil {
		if err := cl.limiter.Wait(ctx); err != nil {
			return "", &provider.UnavailableError{Err: err}
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:          req.Model,
		ConversationID: req.ConversationID.String(),
		Messages:       []chatMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("steward/httpchat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("steward/httpchat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := cl.httpc.Do(httpReq)
	if err != nil {
		return "", &provider.UnavailableError{Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error body
		cl.logger.Error("downstream rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
		return "", &provider.RejectedError{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &provider.RejectedError{Status: resp.StatusCode, Body: fmt.Sprintf("malformed response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &provider.RejectedError{Status: resp.StatusCode, Body: "response carried no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}
