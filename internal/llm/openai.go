package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
)

const (
	// DefaultBaseURL is the OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 60 * time.Second

	toolName = "llm"
)

// ClientConfig configures an OpenAI-compatible chat completions client.
// DeepSeek, OpenRouter, Ollama and vLLM all speak this protocol.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls a /chat/completions endpoint.
type Client struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

// NewClient creates a Client. A missing model is a configuration error.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.NewValidationError("llm model is required").WithField("llm.model")
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/chat/completions") {
		base += "/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:    base,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	o := Apply(opts...)

	req := chatRequest{Model: c.model, Temperature: o.Temperature}
	if o.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: o.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if o.MaxTokens > 0 {
		req.MaxTokens = &o.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.NewToolError(toolName, "encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.NewToolError(toolName, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.NewToolError(toolName, "request failed", err).WithRetryable(true)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", errors.NewToolError(toolName, "reading response", err).WithRetryable(true)
	}

	if resp.StatusCode != http.StatusOK {
		toolErr := errors.NewToolError(toolName, upstreamMessage(data), nil).
			WithStatusCode(resp.StatusCode).
			WithRetryable(errors.RetryableStatus(resp.StatusCode))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			toolErr.WithBackoffHint(errors.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
		return "", toolErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.NewToolError(toolName, "decoding response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewToolError(toolName, "response has no choices", nil).WithRetryable(true)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func upstreamMessage(data []byte) string {
	var parsed chatResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return "empty error response"
	}
	return fmt.Sprintf("upstream error: %s", msg)
}
