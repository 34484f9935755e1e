// Package webhooks hosts the inbound vendor endpoints: voice-call
// lifecycle, email delivery events, and Stripe billing. Each endpoint
// verifies its vendor's signature scheme, deduplicates on the vendor event
// ID, and acknowledges with 200 even for events it cannot match — vendors
// retry non-2xx forever, and an unmatchable event never becomes matchable.
package webhooks

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/platform/telemetry"
)

// Event outcomes stored in the shared event log.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// EventLog records every inbound vendor event in shared.webhook_events for
// audit and debugging. Writes are best-effort: a logging failure never
// blocks event processing.
type EventLog struct {
	pool    *pgxpool.Pool
	metrics *telemetry.Registry
	log     zerolog.Logger
}

func NewEventLog(pool *pgxpool.Pool, metrics *telemetry.Registry, log zerolog.Logger) *EventLog {
	return &EventLog{pool: pool, metrics: metrics, log: log}
}

// Record writes one event row and bumps the per-vendor outcome counter.
// payload is the raw vendor body.
func (l *EventLog) Record(ctx context.Context, vendor, eventID, eventType string, payload []byte, outcome string) {
	if l == nil {
		return
	}
	if l.metrics != nil {
		l.metrics.Counter("vetdesk_webhook_events_total", "vendor", vendor, "outcome", outcome)
	}
	if l.pool == nil {
		return
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO shared.webhook_events (id, vendor, event_id, event_type, payload, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.New(), vendor, eventID, eventType, payload, outcome)
	if err != nil {
		l.log.Warn().Err(err).Str("vendor", vendor).Str("event_id", eventID).Msg("webhook event log write failed")
	}
}

// RecordRejected counts a request turned away before it parsed into an
// event, so there is no row to write. reason is "unauthorized" or
// "malformed".
func (l *EventLog) RecordRejected(vendor, reason string) {
	if l == nil || l.metrics == nil {
		return
	}
	l.metrics.Counter("vetdesk_webhook_rejected_total", "vendor", vendor, "reason", reason)
}
