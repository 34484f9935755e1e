package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/domain/billing"
	"github.com/vetdesk/vetdesk/internal/platform/dedup"
	"github.com/vetdesk/vetdesk/internal/platform/notify"
	"github.com/vetdesk/vetdesk/pkg/respond"
)

// StripeSignatureHeader is Stripe's webhook signature header.
const StripeSignatureHeader = "Stripe-Signature"

// stripeTimestampTolerance bounds how old a signed payload may be before
// it is treated as a replay.
const stripeTimestampTolerance = 5 * time.Minute

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripeObject is the union of the fields we read from checkout sessions,
// subscriptions, and invoices.
type stripeObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Quantity          int    `json:"quantity"`
	Metadata          struct {
		Plan string `json:"plan"`
	} `json:"metadata"`
}

// StripeHandler keeps shared.subscriptions in sync with Stripe. Billing
// state lives in the shared schema, so no clinic connection is needed.
type StripeHandler struct {
	secret  string
	deduper dedup.Deduper
	billing *billing.Service
	slack   *notify.SlackNotifier
	events  *EventLog
	log     zerolog.Logger
	now     func() time.Time
}

func NewStripeHandler(secret string, deduper dedup.Deduper, billingSvc *billing.Service, slack *notify.SlackNotifier, events *EventLog, log zerolog.Logger) *StripeHandler {
	return &StripeHandler{
		secret:  secret,
		deduper: deduper,
		billing: billingSvc,
		slack:   slack,
		events:  events,
		log:     log.With().Str("webhook", "stripe").Logger(),
		now:     time.Now,
	}
}

func (h *StripeHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "unable to read request body")
	}

	if !verifyStripeSignature(h.secret, body, c.Request().Header.Get(StripeSignatureHeader), h.now()) {
		h.events.RecordRejected("stripe", "unauthorized")
		return respond.Fail(c, http.StatusUnauthorized, "invalid_signature", "missing or invalid signature")
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.events.RecordRejected("stripe", "malformed")
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "malformed event payload")
	}
	if event.ID == "" {
		h.events.RecordRejected("stripe", "malformed")
		return respond.Fail(c, http.StatusBadRequest, "invalid_body", "event id is required")
	}

	ctx := c.Request().Context()
	key := dedup.Key("stripe", event.ID)
	seen, err := h.deduper.Seen(ctx, key, dedup.DefaultTTL)
	if err != nil {
		return err
	}
	if seen {
		h.events.Record(ctx, "stripe", event.ID, event.Type, body, OutcomeDuplicate)
		return respond.WebhookAccepted(c)
	}

	var obj stripeObject
	if len(event.Data.Object) > 0 {
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			h.events.RecordRejected("stripe", "malformed")
			return respond.Fail(c, http.StatusBadRequest, "invalid_body", "malformed event object")
		}
	}

	outcome, reason, err := h.process(ctx, &event, &obj)
	h.events.Record(ctx, "stripe", event.ID, event.Type, body, outcome)
	if err != nil {
		// Stripe retries on a 500; forgetting the key keeps that retry
		// from being treated as a duplicate.
		_ = h.deduper.Forget(ctx, key)
		return err
	}
	if outcome == OutcomeIgnored {
		return respond.WebhookIgnored(c, reason)
	}
	return respond.WebhookAccepted(c)
}

func (h *StripeHandler) process(ctx context.Context, event *stripeEvent, obj *stripeObject) (outcome, reason string, err error) {
	switch event.Type {
	case "checkout.session.completed":
		return h.checkoutCompleted(ctx, obj)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return h.subscriptionChanged(ctx, event.Type, obj)
	case "invoice.payment_failed":
		return h.paymentFailed(ctx, obj)
	default:
		return OutcomeIgnored, fmt.Sprintf("unhandled event type %q", event.Type), nil
	}
}

// checkoutCompleted activates the clinic named by client_reference_id and
// pins the Stripe customer/subscription IDs for later events.
func (h *StripeHandler) checkoutCompleted(ctx context.Context, obj *stripeObject) (string, string, error) {
	clinicID, err := uuid.Parse(obj.ClientReferenceID)
	if err != nil {
		return OutcomeIgnored, "checkout session carries no clinic reference", nil
	}

	patch := billing.StripePatch{Status: strPtr(billing.StatusActive)}
	if obj.Metadata.Plan != "" {
		patch.Plan = strPtr(obj.Metadata.Plan)
	}
	if obj.Customer != "" {
		patch.StripeCustomerID = strPtr(obj.Customer)
	}
	if obj.Subscription != "" {
		patch.StripeSubscriptionID = strPtr(obj.Subscription)
	}

	if _, err := h.billing.UpsertFromStripe(ctx, clinicID, patch); err != nil {
		return OutcomeFailed, "", err
	}
	h.log.Info().Str("clinic_id", clinicID.String()).Msg("checkout completed, subscription activated")
	return OutcomeProcessed, "", nil
}

func (h *StripeHandler) subscriptionChanged(ctx context.Context, eventType string, obj *stripeObject) (string, string, error) {
	sub, err := h.billing.ResolveByStripeCustomer(ctx, obj.Customer)
	if err != nil {
		return OutcomeIgnored, "no subscription matches this customer", nil
	}

	patch := billing.StripePatch{}
	if eventType == "customer.subscription.deleted" {
		patch.Status = strPtr(billing.StatusCanceled)
	} else if mapped := mapStripeStatus(obj.Status); mapped != "" {
		patch.Status = strPtr(mapped)
	}
	if obj.Metadata.Plan != "" {
		patch.Plan = strPtr(obj.Metadata.Plan)
	}
	if obj.Quantity > 0 {
		patch.Seats = &obj.Quantity
	}
	if obj.CurrentPeriodEnd > 0 {
		end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		patch.CurrentPeriodEnd = &end
	}

	if _, err := h.billing.UpsertFromStripe(ctx, sub.ClinicID, patch); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeProcessed, "", nil
}

func (h *StripeHandler) paymentFailed(ctx context.Context, obj *stripeObject) (string, string, error) {
	sub, err := h.billing.ResolveByStripeCustomer(ctx, obj.Customer)
	if err != nil {
		return OutcomeIgnored, "no subscription matches this customer", nil
	}

	patch := billing.StripePatch{Status: strPtr(billing.StatusPastDue)}
	if _, err := h.billing.UpsertFromStripe(ctx, sub.ClinicID, patch); err != nil {
		return OutcomeFailed, "", err
	}
	if h.slack != nil {
		h.slack.PostAsync(fmt.Sprintf(":credit_card: Payment failed for clinic %s (%s plan); subscription is past due",
			sub.ClinicID, sub.Plan))
	}
	return OutcomeProcessed, "", nil
}

// mapStripeStatus folds Stripe's subscription statuses onto ours. Unpaid
// means dunning has given up, so it lands on canceled.
func mapStripeStatus(s string) string {
	switch s {
	case "active":
		return billing.StatusActive
	case "trialing":
		return billing.StatusTrialing
	case "past_due":
		return billing.StatusPastDue
	case "canceled", "unpaid":
		return billing.StatusCanceled
	default:
		return ""
	}
}

// verifyStripeSignature checks the v1 HMAC scheme: the header carries
// t=<unix> and one or more v1=<hex> entries, each an HMAC-SHA256 of
// "<t>.<body>". Any matching v1 passes; a stale timestamp fails.
func verifyStripeSignature(secret string, body []byte, header string, now time.Time) bool {
	// An empty secret would let anyone mint a "valid" signature.
	if secret == "" || header == "" {
		return false
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(v)
			if err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return false
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > stripeTimestampTolerance || age < -stripeTimestampTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return true
		}
	}
	return false
}

// signStripePayload builds a Stripe-Signature header value for tests.
func signStripePayload(secret string, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func strPtr(s string) *string { return &s }
