// Package voice is the thin HTTP client for the voice-AI vendor that places
// automated follow-up calls. It covers exactly the two endpoints VetDesk
// uses (create call, fetch call) plus the webhook signature scheme; the
// vendor's SDK surface is deliberately not reproduced.
package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const requestTimeout = 10 * time.Second

// SignatureHeader carries the webhook HMAC on inbound vendor events.
const SignatureHeader = "X-Voice-Signature"

// Config holds the vendor connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	AgentID string
}

// CreateCallRequest asks the vendor to place an outbound call at (or after)
// ScheduledAt. Metadata is opaque to the vendor and echoed back on every
// webhook event, which is how events find their way back to our records.
type CreateCallRequest struct {
	Phone       string            `json:"phone"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	AgentID     string            `json:"agent_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Call is the vendor's call record.
type Call struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Phone        string            `json:"phone"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	EndedReason  string            `json:"ended_reason,omitempty"`
	RecordingURL string            `json:"recording_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// APIError is a non-2xx vendor response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voice api: status %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Interface is what the dispatcher and pipeline depend on; Client and
// MockClient both satisfy it.
type Interface interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error)
	GetCall(ctx context.Context, id string) (*Call, error)
}

// Client talks to the vendor over plain net/http with a bearer API key.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:    Config{BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"), APIKey: cfg.APIKey, AgentID: cfg.AgentID},
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

// Configured reports whether the client can reach the vendor.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

// CreateCall schedules an outbound call. The configured agent ID fills in
// when the request carries none.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	if req.AgentID == "" {
		req.AgentID = c.cfg.AgentID
	}
	if req.Phone == "" {
		return nil, fmt.Errorf("voice: create call: phone is required")
	}

	var call Call
	if err := c.do(ctx, http.MethodPost, "/calls", req, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches a call record by the vendor's ID.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, "/calls/"+id, nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if !c.Configured() {
		return fmt.Errorf("voice: client not configured")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("voice: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("voice: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("voice: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("voice: decode response: %w", err)
		}
	}
	return nil
}

// Sign computes the webhook signature for a payload: hex-encoded
// HMAC-SHA256 of the raw body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks the vendor's signature header against the
// raw request body in constant time.
func VerifyWebhookSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

// MockClient is a scripted in-memory stand-in for pipeline and dispatcher
// tests.
type MockClient struct {
	Calls     []CreateCallRequest
	CreateErr error
	NextID    string
}

func (m *MockClient) CreateCall(_ context.Context, req CreateCallRequest) (*Call, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.Calls = append(m.Calls, req)
	id := m.NextID
	if id == "" {
		id = fmt.Sprintf("call_%d", len(m.Calls))
	}
	return &Call{ID: id, Status: "queued", Phone: req.Phone, ScheduledAt: req.ScheduledAt, Metadata: req.Metadata}, nil
}

func (m *MockClient) GetCall(_ context.Context, id string) (*Call, error) {
	return &Call{ID: id, Status: "queued"}, nil
}
