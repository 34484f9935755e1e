// Package notify delivers operational notifications: Slack messages for the
// practice team and owner-facing email. Slack delivery is fire-and-forget —
// a missed "follow-up call finished" message costs nothing, so there is no
// retry machinery and no delivery guarantee.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const slackTimeout = 5 * time.Second

// SlackNotifier posts messages to a Slack incoming webhook. A notifier with
// an empty URL is disabled: Post and PostAsync become no-ops, so callers
// never need to nil-check.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

func NewSlack(webhookURL string, log zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
		log:        log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *SlackNotifier) Enabled() bool {
	return s != nil && s.webhookURL != ""
}

// Post sends a message synchronously. Used by tests and the rare caller
// that wants the error; most call sites use PostAsync.
func (s *SlackNotifier) Post(ctx context.Context, msg string) error {
	if !s.Enabled() {
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": msg})
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PostAsync sends a message from a goroutine, detached from the caller's
// request lifecycle. Errors are logged at debug and otherwise dropped.
func (s *SlackNotifier) PostAsync(msg string) {
	if !s.Enabled() {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Debug().Interface("panic", r).Msg("slack notify panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
		defer cancel()

		if err := s.Post(ctx, msg); err != nil {
			s.log.Debug().Err(err).Msg("slack notify failed")
		}
	}()
}
