// Package llm is a minimal chat-completions client for OpenAI-compatible
// APIs. The discharge pipeline owns its prompts and output parsing; this
// package only moves text in and out of the vendor.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Generation is slow; extraction over long clinical notes routinely takes
// tens of seconds.
const requestTimeout = 60 * time.Second

const defaultTemperature = 0.2

// maxAttempts bounds the single retry on transient failures. Anything more
// aggressive risks stacking 60s requests inside one pipeline run.
const maxAttempts = 2

// Completer produces one completion from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config holds the vendor connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client calls the chat-completions endpoint over plain net/http.
type Client struct {
	cfg        Config
	client     *http.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:        Config{BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"), APIKey: cfg.APIKey, Model: cfg.Model},
		client:     &http.Client{Timeout: requestTimeout},
		log:        log,
		retryDelay: time.Second,
	}
}

// Configured reports whether the client has a key to call the vendor with.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// APIError is a non-2xx response from the completions endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api: status %d: %s", e.Status, e.Message)
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("llm: client not configured")
	}

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Temperature: defaultTemperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	var text string
	for attempt := 1; ; attempt++ {
		text, err = c.complete(ctx, b)
		if err == nil || attempt == maxAttempts || !retryable(err) {
			return text, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("completion failed, retrying")
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var eb apiErrorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
			msg = eb.Error.Message
		}
		return "", &APIError{Status: resp.StatusCode, Message: msg}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm: response contained no choices")
	}

	c.log.Debug().
		Str("model", c.cfg.Model).
		Int("total_tokens", out.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("completion")

	return out.Choices[0].Message.Content, nil
}

// retryable covers server-side failures and dropped connections. Client
// errors, 429 included, come straight back: a rate limit will not clear
// within one retry delay, and the pipeline surfaces it to the caller.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Mock is a scripted Completer for tests. Responses are consumed in order;
// when they run out the last one repeats.
type Mock struct {
	Responses []string
	Err       error
	Prompts   []string // user prompts, recorded in call order
	idx       int
}

func (m *Mock) Complete(_ context.Context, _ string, user string) (string, error) {
	m.Prompts = append(m.Prompts, user)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("llm mock: no scripted response")
	}
	resp := m.Responses[m.idx]
	if m.idx < len(m.Responses)-1 {
		m.idx++
	}
	return resp, nil
}
