package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/domain/followup"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/dedup"
	"github.com/vetdesk/vetdesk/internal/platform/notify"
	"github.com/vetdesk/vetdesk/internal/platform/voice"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// voiceEvent is the vendor's webhook payload.
type voiceEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Call struct {
		ID           string     `json:"id"`
		Status       string     `json:"status"`
		EndedReason  string     `json:"ended_reason"`
		StartedAt    *time.Time `json:"started_at"`
		EndedAt      *time.Time `json:"ended_at"`
		RecordingURL string     `json:"recording_url"`
		Analysis     struct {
			Summary           string `json:"summary"`
			SuccessEvaluation *bool  `json:"success_evaluation"`
		} `json:"analysis"`
		Metadata map[string]string `json:"metadata"`
	} `json:"call"`
}

// VoiceHandler receives voice-call lifecycle events. Webhooks bypass the
// JWT clinic middleware, so the clinic schema is resolved from the
// metadata we attached when the call was created.
type VoiceHandler struct {
	secret    string
	deduper   dedup.Deduper
	followups *followup.Service
	slack     *notify.SlackNotifier
	events    *EventLog
	log       zerolog.Logger

	withClinic func(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

func NewVoiceHandler(secret string, deduper dedup.Deduper, pool *pgxpool.Pool, followups *followup.Service, slack *notify.SlackNotifier, events *EventLog, log zerolog.Logger) *VoiceHandler {
	return &VoiceHandler{
		secret:    secret,
		deduper:   deduper,
		followups: followups,
		slack:     slack,
		events:    events,
		log:       log.With().Str("webhook", "voice").Logger(),
		withClinic: func(ctx context.Context, slug string, fn func(ctx context.Context) error) error {
			return db.WithClinicConn(ctx, pool, slug, fn)
		},
	}
}

func (h *VoiceHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "unable to read request body")
	}

	if !voice.VerifyWebhookSignature(h.secret, body, c.Request().Header.Get(voice.SignatureHeader)) {
		h.events.RecordRejected("voice", "unauthorized")
		return respond.Fail(c, http.StatusUnauthorized, "invalid_signature", "missing or invalid signature")
	}

	var event voiceEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.events.RecordRejected("voice", "malformed")
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "malformed event payload")
	}
	if event.ID == "" {
		h.events.RecordRejected("voice", "malformed")
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "event id is required")
	}

	ctx := c.Request().Context()
	key := dedup.Key("voice", event.ID)
	seen, err := h.deduper.Seen(ctx, key, dedup.DefaultTTL)
	if err != nil {
		return err
	}
	if seen {
		h.events.Record(ctx, "voice", event.ID, event.Type, body, OutcomeDuplicate)
		return respond.WebhookAccepted(c)
	}

	outcome, reason, err := h.process(ctx, &event)
	h.events.Record(ctx, "voice", event.ID, event.Type, body, outcome)
	if err != nil {
		// A 500 makes the vendor redeliver; the retry must not be
		// dropped as a duplicate of this failed attempt.
		_ = h.deduper.Forget(ctx, key)
		return err
	}
	if outcome == OutcomeIgnored {
		return respond.WebhookIgnored(c, reason)
	}
	return respond.WebhookAccepted(c)
}

func (h *VoiceHandler) process(ctx context.Context, event *voiceEvent) (outcome, reason string, err error) {
	switch event.Type {
	case "call.started", "call.ended", "call.analyzed":
	default:
		return OutcomeIgnored, fmt.Sprintf("unrecognized event type %q", event.Type), nil
	}

	slug := event.Call.Metadata["clinic_slug"]
	if !db.ValidSlug(slug) {
		return OutcomeIgnored, "event metadata carries no clinic", nil
	}

	err = h.withClinic(ctx, slug, func(cctx context.Context) error {
		sc, lookupErr := h.lookup(cctx, event)
		if lookupErr != nil {
			outcome, reason = OutcomeIgnored, "no scheduled call matches this event"
			return nil
		}

		switch event.Type {
		case "call.started":
			return h.followups.MarkStarted(cctx, sc.ID)
		case "call.ended":
			_, endErr := h.followups.RecordEnded(cctx, sc.ID, event.Call.EndedReason)
			return endErr
		case "call.analyzed":
			updated, anErr := h.followups.AttachAnalysis(cctx, sc.ID,
				event.Call.Analysis.Summary, event.Call.Analysis.SuccessEvaluation, event.Call.RecordingURL)
			if anErr != nil {
				return anErr
			}
			h.flagBadOutcome(slug, updated)
			return nil
		}
		return nil
	})
	if err != nil {
		return OutcomeFailed, "", err
	}
	if outcome == "" {
		outcome = OutcomeProcessed
	}
	return outcome, reason, nil
}

// lookup resolves the scheduled call: our ID from the metadata first, the
// vendor's call ID as fallback.
func (h *VoiceHandler) lookup(ctx context.Context, event *voiceEvent) (*followup.ScheduledCall, error) {
	if raw := event.Call.Metadata["call_id"]; raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			if sc, err := h.followups.Get(ctx, id); err == nil {
				return sc, nil
			}
		}
	}
	if event.Call.ID != "" {
		return h.followups.GetByProviderCallID(ctx, event.Call.ID)
	}
	return nil, followup.ErrNotFound
}

// flagBadOutcome pings Slack when a completed call's analysis says the
// follow-up did not go well, so staff re-check the patient.
func (h *VoiceHandler) flagBadOutcome(slug string, sc *followup.ScheduledCall) {
	if h.slack == nil || sc == nil {
		return
	}
	if sc.Status != followup.StatusCompleted {
		return
	}
	if sc.OutcomeSuccess == nil || *sc.OutcomeSuccess {
		return
	}
	summary := ""
	if sc.OutcomeSummary != nil {
		summary = *sc.OutcomeSummary
	}
	h.slack.PostAsync(fmt.Sprintf(":phone: Follow-up call for %s (%s) flagged for review: %s",
		sc.PatientName, slug, summary))
}
