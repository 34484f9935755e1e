package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/domain/cases"
	"github.com/vetdesk/vetdesk/internal/domain/discharge"
	"github.com/vetdesk/vetdesk/internal/domain/patient"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/dedup"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// EmailTokenHeader carries the shared secret the email provider is
// configured to send with every webhook.
const EmailTokenHeader = "X-Email-Webhook-Token"

// emailEvent is one delivery event. case_id and clinic echo the
// X-VetDesk-Case / X-VetDesk-Clinic headers stamped on outbound mail.
type emailEvent struct {
	ID        string     `json:"id"`
	Event     string     `json:"event"`
	Email     string     `json:"email"`
	CaseID    string     `json:"case_id"`
	Clinic    string     `json:"clinic"`
	Timestamp *time.Time `json:"timestamp"`
	Reason    string     `json:"reason"`
}

// EmailHandler receives delivery events from the transactional email
// provider. Hard bounces and complaints suppress the owner's address and
// mark the discharge email failed; delivered/opened are informational.
type EmailHandler struct {
	token     string
	deduper   dedup.Deduper
	summaries discharge.Repository
	caseStore *cases.Service
	patients  *patient.Service
	events    *EventLog
	log       zerolog.Logger

	withClinic func(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

func NewEmailHandler(token string, deduper dedup.Deduper, pool *pgxpool.Pool, summaries discharge.Repository, caseStore *cases.Service, patients *patient.Service, events *EventLog, log zerolog.Logger) *EmailHandler {
	return &EmailHandler{
		token:     token,
		deduper:   deduper,
		summaries: summaries,
		caseStore: caseStore,
		patients:  patients,
		events:    events,
		log:       log.With().Str("webhook", "email").Logger(),
		withClinic: func(ctx context.Context, slug string, fn func(ctx context.Context) error) error {
			return db.WithClinicConn(ctx, pool, slug, fn)
		},
	}
}

func (h *EmailHandler) Handle(c echo.Context) error {
	// An unconfigured token authenticates nothing: the constant-time
	// compare would happily match two empty strings.
	got := c.Request().Header.Get(EmailTokenHeader)
	if h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		h.events.RecordRejected("email", "unauthorized")
		return respond.Fail(c, http.StatusUnauthorized, "invalid_token", "missing or invalid webhook token")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "unable to read request body")
	}

	// The provider posts a batch array, or a single object for
	// low-volume accounts.
	var batch []emailEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		var single emailEvent
		if err := json.Unmarshal(body, &single); err != nil {
			h.events.RecordRejected("email", "malformed")
			return respond.Fail(c, http.StatusBadRequest, "invalid_body", "malformed event payload")
		}
		batch = []emailEvent{single}
	}

	ctx := c.Request().Context()
	for i := range batch {
		h.handleEvent(ctx, &batch[i])
	}
	return respond.WebhookAccepted(c)
}

func (h *EmailHandler) handleEvent(ctx context.Context, ev *emailEvent) {
	if ev.ID == "" {
		return
	}
	seen, err := h.deduper.Seen(ctx, dedup.Key("email", ev.ID), dedup.DefaultTTL)
	if err != nil || seen {
		if seen {
			h.events.Record(ctx, "email", ev.ID, ev.Event, h.marshal(ev), OutcomeDuplicate)
		}
		return
	}

	outcome := OutcomeIgnored
	switch ev.Event {
	case "delivered", "opened":
		h.log.Debug().Str("event", ev.Event).Str("case_id", ev.CaseID).Msg("email delivery event")
		outcome = OutcomeProcessed
	case "bounced", "complained":
		if h.suppress(ctx, ev) {
			outcome = OutcomeProcessed
		}
	}
	h.events.Record(ctx, "email", ev.ID, ev.Event, h.marshal(ev), outcome)
}

// suppress marks the discharge email failed and flags the patient's owner
// address so future discharge emails skip it. Returns false when the event
// cannot be matched to a clinic and case.
func (h *EmailHandler) suppress(ctx context.Context, ev *emailEvent) bool {
	if !db.ValidSlug(ev.Clinic) {
		h.log.Warn().Str("event_id", ev.ID).Msg("bounce event carries no clinic")
		return false
	}
	caseID, err := uuid.Parse(ev.CaseID)
	if err != nil {
		h.log.Warn().Str("event_id", ev.ID).Msg("bounce event carries no case id")
		return false
	}

	matched := false
	err = h.withClinic(ctx, ev.Clinic, func(cctx context.Context) error {
		cs, err := h.caseStore.GetCase(cctx, caseID)
		if err != nil {
			return nil
		}
		matched = true

		if s, err := h.summaries.GetByCase(cctx, caseID); err == nil {
			s.EmailStatus = discharge.EmailFailed
			reason := ev.Event
			if ev.Reason != "" {
				reason = fmt.Sprintf("%s: %s", ev.Event, ev.Reason)
			}
			s.LastError = &reason
			if err := h.summaries.Update(cctx, s); err != nil {
				h.log.Error().Err(err).Str("case_id", ev.CaseID).Msg("mark discharge email failed")
			}
		}
		if err := h.patients.SuppressEmail(cctx, cs.PatientID); err != nil {
			h.log.Error().Err(err).Str("case_id", ev.CaseID).Msg("suppress owner email")
		}
		return nil
	})
	if err != nil {
		h.log.Error().Err(err).Str("clinic", ev.Clinic).Msg("bounce handling failed")
		return false
	}
	return matched
}

func (h *EmailHandler) marshal(ev *emailEvent) []byte {
	b, _ := json.Marshal(ev)
	return b
}
