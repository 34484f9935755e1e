package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type mockRepo struct {
	subs map[uuid.UUID]*Subscription
}

func newMockRepo() *mockRepo {
	return &mockRepo{subs: make(map[uuid.UUID]*Subscription)}
}

func (m *mockRepo) Create(_ context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = time.Now()
	cp := *sub
	m.subs[sub.ClinicID] = &cp
	return nil
}

func (m *mockRepo) GetByClinic(_ context.Context, clinicID uuid.UUID) (*Subscription, error) {
	sub, ok := m.subs[clinicID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *mockRepo) GetByStripeCustomer(_ context.Context, customerID string) (*Subscription, error) {
	for _, sub := range m.subs {
		if sub.StripeCustomerID != nil && *sub.StripeCustomerID == customerID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, sub *Subscription) error {
	if _, ok := m.subs[sub.ClinicID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ClinicID] = &cp
	return nil
}

func strPtr(s string) *string    { return &s }
func intPtr(i int) *int          { return &i }

func TestGetByClinicDefaultsToTrial(t *testing.T) {
	svc := NewService(newMockRepo(), zerolog.Nop())

	sub, err := svc.GetByClinic(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetByClinic: %v", err)
	}
	if sub.Plan != PlanTrial || sub.Status != StatusTrialing {
		t.Errorf("got plan=%s status=%s, want trial/trialing", sub.Plan, sub.Status)
	}
	if sub.Limits().MaxStaff != 3 {
		t.Errorf("trial MaxStaff = %d", sub.Limits().MaxStaff)
	}
}

func TestUpsertFromStripeCreatesRow(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zerolog.Nop())
	clinicID := uuid.New()

	sub, err := svc.UpsertFromStripe(context.Background(), clinicID, StripePatch{
		Plan:             strPtr(PlanPro),
		Status:           strPtr(StatusActive),
		StripeCustomerID: strPtr("cus_123"),
		Seats:            intPtr(12),
	})
	if err != nil {
		t.Fatalf("UpsertFromStripe: %v", err)
	}
	if sub.Plan != PlanPro || sub.Status != StatusActive || sub.Seats != 12 {
		t.Errorf("sub = %+v", sub)
	}
	if _, ok := repo.subs[clinicID]; !ok {
		t.Error("row not persisted")
	}
}

func TestUpsertFromStripePatchesExisting(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zerolog.Nop())
	clinicID := uuid.New()

	if _, err := svc.UpsertFromStripe(context.Background(), clinicID, StripePatch{
		Plan:             strPtr(PlanStarter),
		Status:           strPtr(StatusActive),
		StripeCustomerID: strPtr("cus_123"),
	}); err != nil {
		t.Fatal(err)
	}

	// Only the status changes; plan and customer survive.
	sub, err := svc.UpsertFromStripe(context.Background(), clinicID, StripePatch{
		Status: strPtr(StatusPastDue),
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Plan != PlanStarter {
		t.Errorf("plan = %s, want starter", sub.Plan)
	}
	if sub.Status != StatusPastDue {
		t.Errorf("status = %s, want past_due", sub.Status)
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_123" {
		t.Error("customer id lost")
	}
}

func TestUpsertFromStripeRejectsUnknownValues(t *testing.T) {
	svc := NewService(newMockRepo(), zerolog.Nop())

	if _, err := svc.UpsertFromStripe(context.Background(), uuid.New(), StripePatch{
		Plan: strPtr("platinum"),
	}); err == nil {
		t.Error("unknown plan accepted")
	}
	if _, err := svc.UpsertFromStripe(context.Background(), uuid.New(), StripePatch{
		Status: strPtr("paused"),
	}); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestCheckDischargeQuota(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zerolog.Nop())
	clinicID := uuid.New()

	// Trial plan: 25/month.
	if err := svc.CheckDischargeQuota(context.Background(), clinicID, 24); err != nil {
		t.Errorf("under quota: %v", err)
	}
	if err := svc.CheckDischargeQuota(context.Background(), clinicID, 25); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("at quota: err = %v, want ErrLimitExceeded", err)
	}

	if _, err := svc.UpsertFromStripe(context.Background(), clinicID, StripePatch{
		Plan:   strPtr(PlanPro),
		Status: strPtr(StatusActive),
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.CheckDischargeQuota(context.Background(), clinicID, 25); err != nil {
		t.Errorf("pro plan at 25: %v", err)
	}
}

func TestSeatsNarrowStaffLimit(t *testing.T) {
	sub := &Subscription{Plan: PlanPro, Seats: 5}
	if got := sub.Limits().MaxStaff; got != 5 {
		t.Errorf("MaxStaff = %d, want 5", got)
	}
	sub.Seats = 0
	if got := sub.Limits().MaxStaff; got != 40 {
		t.Errorf("MaxStaff = %d, want plan ceiling 40", got)
	}
}
