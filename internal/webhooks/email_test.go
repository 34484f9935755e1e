package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/domain/cases"
	"github.com/vetdesk/vetdesk/internal/domain/discharge"
	"github.com/vetdesk/vetdesk/internal/domain/patient"
	"github.com/vetdesk/vetdesk/internal/platform/dedup"
)

const emailToken = "emtok_test_secret"

type caseRepo struct {
	cases map[uuid.UUID]*cases.Case
}

func (m *caseRepo) Create(_ context.Context, cs *cases.Case) error {
	cp := *cs
	m.cases[cs.ID] = &cp
	return nil
}

func (m *caseRepo) GetByID(_ context.Context, id uuid.UUID) (*cases.Case, error) {
	cs, ok := m.cases[id]
	if !ok {
		return nil, cases.ErrNotFound
	}
	cp := *cs
	return &cp, nil
}

func (m *caseRepo) Update(_ context.Context, cs *cases.Case) error {
	cp := *cs
	m.cases[cs.ID] = &cp
	return nil
}

func (m *caseRepo) List(_ context.Context, _ cases.ListFilter, _, _ int) ([]*cases.Case, int, error) {
	return nil, 0, nil
}

func (m *caseRepo) AddStatusChange(_ context.Context, _ *cases.StatusChange) error { return nil }

func (m *caseRepo) GetStatusHistory(_ context.Context, _ uuid.UUID) ([]*cases.StatusChange, error) {
	return nil, nil
}

type patientRepo struct {
	patients map[uuid.UUID]*patient.Patient
}

func (m *patientRepo) Create(_ context.Context, p *patient.Patient) error {
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *patientRepo) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *patientRepo) Update(_ context.Context, p *patient.Patient) error {
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *patientRepo) List(_ context.Context, _ patient.ListFilter, _, _ int) ([]*patient.Patient, int, error) {
	return nil, 0, nil
}

func (m *patientRepo) SetEmailSuppressed(_ context.Context, id uuid.UUID, suppressed bool) error {
	p, ok := m.patients[id]
	if !ok {
		return patient.ErrNotFound
	}
	p.EmailSuppressed = suppressed
	return nil
}

type summaryRepo struct {
	summaries map[uuid.UUID]*discharge.Summary
}

func (m *summaryRepo) Create(_ context.Context, s *discharge.Summary) error {
	cp := *s
	m.summaries[s.CaseID] = &cp
	return nil
}

func (m *summaryRepo) GetByCase(_ context.Context, caseID uuid.UUID) (*discharge.Summary, error) {
	s, ok := m.summaries[caseID]
	if !ok {
		return nil, discharge.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *summaryRepo) Update(_ context.Context, s *discharge.Summary) error {
	cp := *s
	m.summaries[s.CaseID] = &cp
	return nil
}

func (m *summaryRepo) CountGeneratedSince(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (m *summaryRepo) WithCaseLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type emailFixture struct {
	handler   *EmailHandler
	patients  *patientRepo
	summaries *summaryRepo
	caseID    uuid.UUID
	patientID uuid.UUID
}

func newEmailFixture(t *testing.T) *emailFixture {
	t.Helper()

	pr := &patientRepo{patients: make(map[uuid.UUID]*patient.Patient)}
	email := "dana@example.com"
	pat := &patient.Patient{ID: uuid.New(), Name: "Bella", Species: "canine",
		OwnerName: "Dana", OwnerEmail: &email, Active: true}
	pr.patients[pat.ID] = pat

	cr := &caseRepo{cases: make(map[uuid.UUID]*cases.Case)}
	cs := &cases.Case{ID: uuid.New(), PatientID: pat.ID, CaseType: "surgery",
		Status: cases.StatusDischarged, Title: "TPLO recovery"}
	cr.cases[cs.ID] = cs

	sr := &summaryRepo{summaries: make(map[uuid.UUID]*discharge.Summary)}
	sr.summaries[cs.ID] = &discharge.Summary{ID: uuid.New(), CaseID: cs.ID,
		Status: discharge.StatusReady, EmailStatus: discharge.EmailSent}

	h := NewEmailHandler(emailToken, dedup.NewMemory(), nil,
		sr, cases.NewService(cr, patientDirectory{pr}, nil), patient.NewService(pr, nil),
		nil, zerolog.Nop())
	h.withClinic = passthroughClinic
	return &emailFixture{handler: h, patients: pr, summaries: sr, caseID: cs.ID, patientID: pat.ID}
}

// patientDirectory adapts the patient mock repo to the lookup interface the
// case service wants.
type patientDirectory struct{ repo *patientRepo }

func (d patientDirectory) GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return d.repo.GetByID(ctx, id)
}

func (f *emailFixture) post(t *testing.T, body string, token string) *httptest.ResponseRecorder {
	t.Helper()
	return postWebhook(f.handler.Handle, "/webhooks/email", body, map[string]string{
		EmailTokenHeader: token,
	})
}

func (f *emailFixture) bounceEvent(id, event string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"event": %q,
		"email": "dana@example.com",
		"case_id": %q,
		"clinic": "sunrise_vet",
		"reason": "mailbox does not exist"
	}`, id, event, f.caseID)
}

func TestEmailRejectsBadToken(t *testing.T) {
	f := newEmailFixture(t)

	for name, token := range map[string]string{"wrong": "not-the-token", "missing": ""} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, f.bounceEvent("evt_1", "bounced"), token)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
	if f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("rejected event must not suppress the owner")
	}
}

func TestEmailUnconfiguredTokenRejectsAll(t *testing.T) {
	f := newEmailFixture(t)
	f.handler.token = ""

	for name, token := range map[string]string{"no header": "", "any header": "guess"} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, f.bounceEvent("evt_1", "bounced"), token)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401 when no token is configured", rec.Code)
			}
		})
	}
	if f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("an unconfigured token must not let anyone suppress an owner")
	}
}

func TestEmailBounceSuppressesOwner(t *testing.T) {
	f := newEmailFixture(t)

	rec := f.post(t, f.bounceEvent("evt_bounce", "bounced"), emailToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	if !f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("hard bounce must suppress the owner's address")
	}
	s := f.summaries.summaries[f.caseID]
	if s.EmailStatus != discharge.EmailFailed {
		t.Errorf("email status = %q, want failed", s.EmailStatus)
	}
	if s.LastError == nil || *s.LastError != "bounced: mailbox does not exist" {
		t.Errorf("last error = %v", s.LastError)
	}
}

func TestEmailComplaintSuppressesOwner(t *testing.T) {
	f := newEmailFixture(t)

	f.post(t, f.bounceEvent("evt_complaint", "complained"), emailToken)
	if !f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("complaint must suppress the owner's address")
	}
}

func TestEmailDeliveredIsInformational(t *testing.T) {
	f := newEmailFixture(t)

	for _, event := range []string{"delivered", "opened"} {
		rec := f.post(t, f.bounceEvent("evt_"+event, event), emailToken)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", event, rec.Code)
		}
	}

	if f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("delivery events must not suppress the owner")
	}
	if got := f.summaries.summaries[f.caseID].EmailStatus; got != discharge.EmailSent {
		t.Errorf("email status = %q, want sent untouched", got)
	}
}

func TestEmailBatchPayload(t *testing.T) {
	f := newEmailFixture(t)

	body := fmt.Sprintf(`[
		{"id": "evt_b1", "event": "delivered", "case_id": %q, "clinic": "sunrise_vet"},
		{"id": "evt_b2", "event": "bounced", "case_id": %q, "clinic": "sunrise_vet", "reason": "rejected"}
	]`, f.caseID, f.caseID)

	rec := f.post(t, body, emailToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("bounce inside a batch must still suppress")
	}
}

func TestEmailUnknownCaseIgnored(t *testing.T) {
	f := newEmailFixture(t)

	body := fmt.Sprintf(`{
		"id": "evt_unknown",
		"event": "bounced",
		"case_id": %q,
		"clinic": "sunrise_vet"
	}`, uuid.New())

	rec := f.post(t, body, emailToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("unmatched events still acknowledge with 200, got %d", rec.Code)
	}
	if f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("unmatched bounce must not suppress anyone")
	}
}

func TestEmailDuplicateProcessedOnce(t *testing.T) {
	f := newEmailFixture(t)
	body := f.bounceEvent("evt_dup", "bounced")

	f.post(t, body, emailToken)
	f.patients.patients[f.patientID].EmailSuppressed = false

	f.post(t, body, emailToken)
	if f.patients.patients[f.patientID].EmailSuppressed {
		t.Error("duplicate event reprocessed")
	}
}

func TestEmailRejectsMalformedBody(t *testing.T) {
	f := newEmailFixture(t)
	rec := f.post(t, "not json", emailToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
