package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrLimitExceeded marks plan-cap violations; handlers map it to a 402.
var ErrLimitExceeded = errors.New("plan limit exceeded")

type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "billing").Logger()}
}

// GetByClinic returns the clinic's subscription. Clinics that have never
// checked out get a synthetic trial subscription rather than an error.
func (s *Service) GetByClinic(ctx context.Context, clinicID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.GetByClinic(ctx, clinicID)
	if errors.Is(err, ErrNotFound) {
		return &Subscription{ClinicID: clinicID, Plan: PlanTrial, Status: StatusTrialing}, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// UpsertFromStripe applies a webhook patch, creating the row when the
// clinic has none yet.
func (s *Service) UpsertFromStripe(ctx context.Context, clinicID uuid.UUID, patch StripePatch) (*Subscription, error) {
	if patch.Plan != nil && !ValidPlans[*patch.Plan] {
		return nil, fmt.Errorf("unknown plan: %s", *patch.Plan)
	}
	if patch.Status != nil && !ValidStatuses[*patch.Status] {
		return nil, fmt.Errorf("unknown status: %s", *patch.Status)
	}

	sub, err := s.repo.GetByClinic(ctx, clinicID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{ClinicID: clinicID, Plan: PlanTrial, Status: StatusTrialing}
		applyPatch(sub, patch)
		if err := s.repo.Create(ctx, sub); err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		applyPatch(sub, patch)
		if err := s.repo.Update(ctx, sub); err != nil {
			return nil, fmt.Errorf("update subscription: %w", err)
		}
	}

	s.log.Info().
		Str("clinic_id", clinicID.String()).
		Str("plan", sub.Plan).
		Str("status", sub.Status).
		Msg("subscription updated from stripe")
	return sub, nil
}

// ResolveByStripeCustomer maps a Stripe customer ID back to the clinic's
// subscription row.
func (s *Service) ResolveByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	return s.repo.GetByStripeCustomer(ctx, customerID)
}

func applyPatch(sub *Subscription, patch StripePatch) {
	if patch.Plan != nil {
		sub.Plan = *patch.Plan
	}
	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.StripeCustomerID != nil {
		sub.StripeCustomerID = patch.StripeCustomerID
	}
	if patch.StripeSubscriptionID != nil {
		sub.StripeSubscriptionID = patch.StripeSubscriptionID
	}
	if patch.Seats != nil {
		sub.Seats = *patch.Seats
	}
	if patch.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = patch.CurrentPeriodEnd
	}
}

// MaxStaff satisfies the clinic service's seat limiter.
func (s *Service) MaxStaff(ctx context.Context, clinicID uuid.UUID) (int, error) {
	sub, err := s.GetByClinic(ctx, clinicID)
	if err != nil {
		return 0, err
	}
	return sub.Limits().MaxStaff, nil
}

// CheckDischargeQuota compares this month's discharge count against the
// plan cap before the pipeline runs.
func (s *Service) CheckDischargeQuota(ctx context.Context, clinicID uuid.UUID, usedThisMonth int) error {
	sub, err := s.GetByClinic(ctx, clinicID)
	if err != nil {
		return err
	}
	max := sub.Limits().MaxMonthlyDischarges
	if usedThisMonth >= max {
		return fmt.Errorf("%w: plan allows %d discharges per month", ErrLimitExceeded, max)
	}
	return nil
}
